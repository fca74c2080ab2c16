package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.Store contract using SQLite. Grids are
// stored as a JSON snapshot on their owning row; orders get their own table
// so a half-filled position round-trips exactly.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/grid_bot.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection, WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally, but the Go driver benefits from
	// limiting connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger_price REAL NOT NULL,
		detected_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		percent_drop REAL NOT NULL DEFAULT 0,
		support_levels TEXT NOT NULL DEFAULT '[]',
		regime TEXT NOT NULL DEFAULT '',
		volatility TEXT NOT NULL DEFAULT '',
		relative_perf REAL NOT NULL DEFAULT 0,
		cap_tier TEXT NOT NULL DEFAULT '',
		benchmark TEXT NOT NULL DEFAULT '',
		confidence REAL DEFAULT NULL,
		pred_tp_pct REAL DEFAULT NULL,
		pred_sl_pct REAL DEFAULT NULL,
		pred_hold_hours REAL DEFAULT NULL,
		pred_size_mult REAL DEFAULT NULL,
		grid_json TEXT DEFAULT NULL,
		position_id TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		signal_id TEXT NOT NULL DEFAULT '',
		grid_json TEXT NOT NULL,
		filled_levels INTEGER NOT NULL DEFAULT 0,
		total_invested REAL NOT NULL DEFAULT 0,
		current_value REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		exit_price REAL NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL DEFAULT '',
		max_hold_seconds INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		position_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		level_index INTEGER NOT NULL,
		broker_order_id TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		placed_at TIMESTAMP DEFAULT NULL,
		updated_at TIMESTAMP DEFAULT NULL
	);
	-- Indexes for the common lookups
	CREATE INDEX IF NOT EXISTS idx_signals_status ON signals (status);
	CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals (symbol);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
	CREATE INDEX IF NOT EXISTS idx_orders_position ON orders (position_id);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

var openPositionStatuses = []interface{}{
	string(domain.PositionPending), string(domain.PositionActive), string(domain.PositionClosing),
}

var activeSignalStatuses = []interface{}{
	string(domain.SignalDetected), string(domain.SignalAnalyzing), string(domain.SignalApproved),
}

// --- SignalRepository Implementation ---

// SaveSignal inserts or replaces a signal snapshot.
func (r *Repository) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	const query = `
	INSERT OR REPLACE INTO signals (
		id, symbol, strategy, status, trigger_price, detected_at, created_at, expires_at,
		percent_drop, support_levels, regime, volatility, relative_perf, cap_tier, benchmark,
		confidence, pred_tp_pct, pred_sl_pct, pred_hold_hours, pred_size_mult,
		grid_json, position_id, reject_reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	supports, err := json.Marshal(sig.Setup.SupportLevels)
	if err != nil {
		return fmt.Errorf("failed to marshal support levels for signal %s: %w", sig.ID, err)
	}

	var gridJSON sql.NullString
	if sig.Grid != nil {
		raw, err := json.Marshal(sig.Grid)
		if err != nil {
			return fmt.Errorf("failed to marshal grid for signal %s: %w", sig.ID, err)
		}
		gridJSON = sql.NullString{String: string(raw), Valid: true}
	}

	var confidence, tpPct, slPct, holdHours, sizeMult sql.NullFloat64
	if sig.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *sig.Confidence, Valid: true}
	}
	if sig.Predicted != nil {
		tpPct = sql.NullFloat64{Float64: sig.Predicted.TakeProfitPct, Valid: true}
		slPct = sql.NullFloat64{Float64: sig.Predicted.StopLossPct, Valid: true}
		holdHours = sql.NullFloat64{Float64: sig.Predicted.HoldHours, Valid: true}
		sizeMult = sql.NullFloat64{Float64: sig.Predicted.SizeMultiplier, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		sig.ID, sig.Setup.Symbol, sig.Setup.Strategy, sig.Status, sig.Setup.TriggerPrice,
		sig.Setup.DetectedAt, sig.CreatedAt, sig.ExpiresAt,
		sig.Setup.PercentDrop, string(supports), sig.Setup.Market.Regime, sig.Setup.Market.Volatility,
		sig.Setup.Market.RelativePerf, sig.Setup.Market.CapTier, sig.Setup.Market.BenchmarkSymbol,
		confidence, tpPct, slPct, holdHours, sizeMult,
		gridJSON, sig.PositionID, sig.RejectReason)
	if err != nil {
		return fmt.Errorf("failed to save signal %s: %w", sig.ID, err)
	}
	return nil
}

// FindSignalByID retrieves a signal by id. Returns nil, nil if not found.
func (r *Repository) FindSignalByID(ctx context.Context, id string) (*domain.Signal, error) {
	row := r.db.QueryRowContext(ctx, signalSelect+` WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query signal %s: %w", id, err)
	}
	return sig, nil
}

// FindActiveSignals retrieves all signals in a non-terminal status.
func (r *Repository) FindActiveSignals(ctx context.Context) ([]*domain.Signal, error) {
	rows, err := r.db.QueryContext(ctx, signalSelect+` WHERE status IN (?, ?, ?)`, activeSignalStatuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active signals: %w", err)
	}
	defer rows.Close()

	signals := make([]*domain.Signal, 0)
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signal rows: %w", err)
	}
	return signals, nil
}

// --- PositionRepository Implementation ---

// SavePosition inserts or replaces a position snapshot with its orders,
// atomically.
func (r *Repository) SavePosition(ctx context.Context, pos *domain.Position) error {
	gridRaw, err := json.Marshal(pos.Grid)
	if err != nil {
		return fmt.Errorf("failed to marshal grid for position %s: %w", pos.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	var closedAt sql.NullTime
	if !pos.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: pos.ClosedAt, Valid: true}
	}

	const posQuery = `
	INSERT OR REPLACE INTO positions (
		id, symbol, signal_id, grid_json, filled_levels, total_invested, current_value,
		unrealized_pnl, realized_pnl, status, opened_at, closed_at, exit_price, close_reason,
		max_hold_seconds
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, posQuery,
		pos.ID, pos.Symbol, pos.SignalID, string(gridRaw), pos.FilledLevels, pos.TotalInvested,
		pos.CurrentValue, pos.UnrealizedPnL, pos.RealizedPnL, pos.Status, pos.OpenedAt, closedAt,
		pos.ExitPrice, pos.CloseReason, int64(pos.MaxHold.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.ID, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM orders WHERE position_id = ?`, pos.ID); err != nil {
		return fmt.Errorf("failed to clear orders for position %s: %w", pos.ID, err)
	}

	const orderQuery = `
	INSERT INTO orders (id, position_id, symbol, level_index, broker_order_id, price, quantity, side, status, placed_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, order := range pos.Orders {
		var placedAt, updatedAt sql.NullTime
		if !order.PlacedAt.IsZero() {
			placedAt = sql.NullTime{Time: order.PlacedAt, Valid: true}
		}
		if !order.UpdatedAt.IsZero() {
			updatedAt = sql.NullTime{Time: order.UpdatedAt, Valid: true}
		}
		_, err = tx.ExecContext(ctx, orderQuery,
			order.ID, pos.ID, order.Symbol, order.LevelIndex, order.BrokerOrderID,
			order.Price, order.Quantity, order.Side, order.Status, placedAt, updatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", order.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit position %s: %v", ports.ErrUpdateFailed, pos.ID, err)
	}
	return nil
}

// FindPositionByID retrieves a position by id. Returns nil, nil if not found.
func (r *Repository) FindPositionByID(ctx context.Context, id string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, positionSelect+` WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position %s: %w", id, err)
	}
	if err := r.loadOrders(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// FindOpenPositions retrieves all positions in a non-terminal status.
func (r *Repository) FindOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, positionSelect+` WHERE status IN (?, ?, ?)`, openPositionStatuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	for _, pos := range positions {
		if err := r.loadOrders(ctx, pos); err != nil {
			return nil, err
		}
	}
	return positions, nil
}

// TotalRealizedPnL sums realized P&L across closed positions.
func (r *Repository) TotalRealizedPnL(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(realized_pnl), 0) FROM positions WHERE status IN (?, ?, ?)`
	var total float64
	err := r.db.QueryRowContext(ctx, query,
		domain.PositionClosed, domain.PositionStoppedOut, domain.PositionTakeProfit).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total, nil
}

// CountClosedByOutcome counts closed positions per terminal status.
func (r *Repository) CountClosedByOutcome(ctx context.Context) (map[domain.PositionStatus]int, error) {
	const query = `SELECT status, COUNT(*) FROM positions WHERE status IN (?, ?, ?) GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query,
		domain.PositionClosed, domain.PositionStoppedOut, domain.PositionTakeProfit)
	if err != nil {
		return nil, fmt.Errorf("failed to count close outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.PositionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		out[domain.PositionStatus(status)] = count
	}
	return out, rows.Err()
}

func (r *Repository) loadOrders(ctx context.Context, pos *domain.Position) error {
	const query = `
	SELECT id, position_id, symbol, level_index, broker_order_id, price, quantity, side, status, placed_at, updated_at
	FROM orders WHERE position_id = ? ORDER BY level_index`

	rows, err := r.db.QueryContext(ctx, query, pos.ID)
	if err != nil {
		return fmt.Errorf("failed to query orders for position %s: %w", pos.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		o := &domain.Order{}
		var side, status string
		var placedAt, updatedAt sql.NullTime
		err := rows.Scan(&o.ID, &o.PositionID, &o.Symbol, &o.LevelIndex, &o.BrokerOrderID,
			&o.Price, &o.Quantity, &side, &status, &placedAt, &updatedAt)
		if err != nil {
			return fmt.Errorf("failed to scan order for position %s: %w", pos.ID, err)
		}
		o.Side = domain.OrderSide(side)
		o.Status = domain.OrderStatus(status)
		if placedAt.Valid {
			o.PlacedAt = placedAt.Time
		}
		if updatedAt.Valid {
			o.UpdatedAt = updatedAt.Time
		}
		pos.Orders = append(pos.Orders, o)
	}
	return rows.Err()
}

// --- Helper Scan Functions ---

const signalSelect = `
	SELECT id, symbol, strategy, status, trigger_price, detected_at, created_at, expires_at,
	       percent_drop, support_levels, regime, volatility, relative_perf, cap_tier, benchmark,
	       confidence, pred_tp_pct, pred_sl_pct, pred_hold_hours, pred_size_mult,
	       grid_json, position_id, reject_reason
	FROM signals`

const positionSelect = `
	SELECT id, symbol, signal_id, grid_json, filled_levels, total_invested, current_value,
	       unrealized_pnl, realized_pnl, status, opened_at, closed_at, exit_price, close_reason,
	       max_hold_seconds
	FROM positions`

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(s scanner) (*domain.Signal, error) {
	sig := &domain.Signal{}
	var status, regime, volatility, capTier, supportsRaw string
	var confidence, tpPct, slPct, holdHours, sizeMult sql.NullFloat64
	var gridJSON sql.NullString

	err := s.Scan(
		&sig.ID, &sig.Setup.Symbol, &sig.Setup.Strategy, &status, &sig.Setup.TriggerPrice,
		&sig.Setup.DetectedAt, &sig.CreatedAt, &sig.ExpiresAt,
		&sig.Setup.PercentDrop, &supportsRaw, &regime, &volatility,
		&sig.Setup.Market.RelativePerf, &capTier, &sig.Setup.Market.BenchmarkSymbol,
		&confidence, &tpPct, &slPct, &holdHours, &sizeMult,
		&gridJSON, &sig.PositionID, &sig.RejectReason)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}

	sig.Status = domain.SignalStatus(status)
	sig.Setup.Market.Regime = domain.MarketRegime(regime)
	sig.Setup.Market.Volatility = domain.VolatilityLevel(volatility)
	sig.Setup.Market.CapTier = domain.CapTier(capTier)

	if err := json.Unmarshal([]byte(supportsRaw), &sig.Setup.SupportLevels); err != nil {
		return nil, fmt.Errorf("corrupt support levels for signal %s: %w", sig.ID, err)
	}
	if confidence.Valid {
		c := confidence.Float64
		sig.Confidence = &c
	}
	if tpPct.Valid {
		sig.Predicted = &domain.Prediction{
			TakeProfitPct:  tpPct.Float64,
			StopLossPct:    slPct.Float64,
			HoldHours:      holdHours.Float64,
			SizeMultiplier: sizeMult.Float64,
		}
	}
	if gridJSON.Valid {
		grid := &domain.Grid{}
		if err := json.Unmarshal([]byte(gridJSON.String), grid); err != nil {
			return nil, fmt.Errorf("corrupt grid for signal %s: %w", sig.ID, err)
		}
		sig.Grid = grid
	}
	return sig, nil
}

func scanPosition(s scanner) (*domain.Position, error) {
	pos := &domain.Position{}
	var status, closeReason, gridRaw string
	var closedAt sql.NullTime
	var maxHoldSeconds int64

	err := s.Scan(
		&pos.ID, &pos.Symbol, &pos.SignalID, &gridRaw, &pos.FilledLevels, &pos.TotalInvested,
		&pos.CurrentValue, &pos.UnrealizedPnL, &pos.RealizedPnL, &status, &pos.OpenedAt,
		&closedAt, &pos.ExitPrice, &closeReason, &maxHoldSeconds)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}

	pos.Status = domain.PositionStatus(status)
	pos.CloseReason = domain.CloseReason(closeReason)
	pos.MaxHold = time.Duration(maxHoldSeconds) * time.Second
	if closedAt.Valid {
		pos.ClosedAt = closedAt.Time
	}
	grid := &domain.Grid{}
	if err := json.Unmarshal([]byte(gridRaw), grid); err != nil {
		return nil, fmt.Errorf("corrupt grid for position %s: %w", pos.ID, err)
	}
	pos.Grid = grid
	return pos, nil
}
