package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/ports"
	"dcaGridBot/internal/retry"
	"dcaGridBot/internal/risk"
)

const gridTolerance = 1e-6 // Relative tolerance for grid total reconciliation

// Config holds execution and monitoring parameters.
type Config struct {
	SlippageTolerance float64       // A level fills when price reaches it within this fraction
	MaxHoldDuration   time.Duration // Time-limit exit threshold
	MonitorTimeout    time.Duration // Per-position budget within one monitoring cycle
	MinLevelSize      float64       // Reject grids with a level below this
	Retry             retry.Config  // Bounds for transient external calls
}

// DefaultConfig returns the documented execution defaults.
func DefaultConfig() Config {
	return Config{
		SlippageTolerance: 0.002,
		MaxHoldDuration:   72 * time.Hour,
		MonitorTimeout:    10 * time.Second,
		MinLevelSize:      10.0,
		Retry:             retry.DefaultConfig(),
	}
}

// Summary is the dashboard view of one live position.
type Summary struct {
	ID            string
	Symbol        string
	Status        domain.PositionStatus
	FilledLevels  int
	TotalLevels   int
	TotalInvested float64
	UnrealizedPnL float64
	OpenedAt      time.Time
}

// Executor places staged grid orders, tracks fills against live prices, and
// finalizes positions when an exit condition triggers. It owns the active
// position index; every mutation happens under one mutex so concurrent loop
// readers never observe a torn position.
type Executor struct {
	cfg     Config
	logger  ports.Logger
	prices  ports.PriceFeed
	broker  ports.OrderBroker
	settler ports.SettlementBroker // nil when the broker settles cash itself
	store   ports.PositionRepository
	riskMgr *risk.Manager

	mu        sync.RWMutex
	positions map[string]*domain.Position
	now       func() time.Time
}

// New creates an Executor.
func New(cfg Config, logger ports.Logger, prices ports.PriceFeed, broker ports.OrderBroker, store ports.PositionRepository, riskMgr *risk.Manager) (*Executor, error) {
	if logger == nil || prices == nil || broker == nil || store == nil || riskMgr == nil {
		return nil, fmt.Errorf("executor: missing required dependencies")
	}
	if cfg.SlippageTolerance < 0 {
		return nil, fmt.Errorf("executor: SlippageTolerance cannot be negative")
	}
	if cfg.MaxHoldDuration <= 0 {
		return nil, fmt.Errorf("executor: MaxHoldDuration must be positive")
	}
	e := &Executor{
		cfg:       cfg,
		logger:    logger,
		prices:    prices,
		broker:    broker,
		store:     store,
		riskMgr:   riskMgr,
		positions: make(map[string]*domain.Position),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if settler, ok := broker.(ports.SettlementBroker); ok {
		e.settler = settler
	}
	return e, nil
}

// Restore loads open positions from the store back into the active index,
// used at startup for crash recovery.
func (e *Executor) Restore(ctx context.Context) error {
	open, err := e.store.FindOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("executor: restoring open positions: %w", err)
	}
	e.mu.Lock()
	for _, pos := range open {
		e.positions[pos.ID] = pos
		e.riskMgr.Open(pos.Symbol, pos.Grid.TotalInvestment)
	}
	e.mu.Unlock()
	if len(open) > 0 {
		e.logger.Info(ctx, "Restored open positions from store", map[string]interface{}{"count": len(open)})
	}
	return nil
}

// ExecuteGrid validates a planned grid against risk constraints, stages one
// order per level, and returns the new position id. Validation failure
// returns an error without side effects.
func (e *Executor) ExecuteGrid(ctx context.Context, sig *domain.Signal, grid *domain.Grid) (string, error) {
	op := "executeGrid"
	symbol := grid.Symbol

	if len(grid.Levels) == 0 {
		return "", fmt.Errorf("%s: %w: grid has no levels", op, ports.ErrInvalidRequest)
	}
	if !grid.Reconciles(gridTolerance) {
		return "", fmt.Errorf("%s: %w: grid level sizes do not sum to total investment", op, ports.ErrInvariantViolation)
	}
	for i, lvl := range grid.Levels {
		if lvl.Size < e.cfg.MinLevelSize {
			return "", fmt.Errorf("%s: %w: level %d size %.2f below minimum %.2f", op, ports.ErrInvalidRequest, i, lvl.Size, e.cfg.MinLevelSize)
		}
	}
	if e.HasActivePosition(symbol) {
		return "", fmt.Errorf("%s: %w: %s", op, ports.ErrDuplicatePosition, symbol)
	}
	if ok, reason := e.riskMgr.CanOpen(symbol, grid.TotalInvestment); !ok {
		return "", fmt.Errorf("%s: %w: %s", op, ports.ErrRiskLimitExceeded, reason)
	}

	maxHold := e.cfg.MaxHoldDuration
	if sig != nil && sig.Predicted != nil && sig.Predicted.HoldHours > 0 {
		maxHold = time.Duration(sig.Predicted.HoldHours * float64(time.Hour))
	}

	now := e.now()
	pos := &domain.Position{
		ID:       uuid.New().String(),
		Symbol:   symbol,
		Grid:     grid,
		Status:   domain.PositionPending,
		OpenedAt: now,
		MaxHold:  maxHold,
	}
	if sig != nil {
		pos.SignalID = sig.ID
	}

	// Stage one limit buy per grid level. A placement failure marks that
	// order FAILED and continues; the position opens as long as at least one
	// order is working.
	placed := 0
	for i := range grid.Levels {
		order := &domain.Order{
			ID:         uuid.New().String(),
			PositionID: pos.ID,
			Symbol:     symbol,
			LevelIndex: i,
			Price:      grid.Levels[i].Price,
			Quantity:   grid.Levels[i].Quantity,
			Side:       domain.Buy,
			Status:     domain.OrderPending,
		}
		ack, err := e.placeOrder(ctx, order)
		if err != nil {
			order.Status = domain.OrderFailed
			order.UpdatedAt = e.now()
			e.logger.Error(ctx, err, op+": Failed to place level order", map[string]interface{}{"symbol": symbol, "level": i, "price": order.Price})
		} else {
			order.BrokerOrderID = ack.BrokerOrderID
			order.Status = domain.OrderPlaced
			order.PlacedAt = e.now()
			order.UpdatedAt = order.PlacedAt
			placed++
		}
		pos.Orders = append(pos.Orders, order)
	}

	if placed == 0 {
		return "", fmt.Errorf("%s: %w: no grid orders could be placed for %s", op, ports.ErrOrderPlacementFailed, symbol)
	}

	pos.Status = domain.PositionActive

	e.mu.Lock()
	e.positions[pos.ID] = pos
	e.mu.Unlock()
	e.riskMgr.Open(symbol, grid.TotalInvestment)
	e.persist(ctx, pos)

	e.logger.Info(ctx, op+": Grid executed", map[string]interface{}{"positionID": pos.ID, "symbol": symbol, "levels": len(grid.Levels), "placed": placed, "investment": grid.TotalInvestment})
	return pos.ID, nil
}

func (e *Executor) placeOrder(ctx context.Context, order *domain.Order) (*ports.PlacedOrder, error) {
	var ack *ports.PlacedOrder
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var placeErr error
		ack, placeErr = e.broker.Place(ctx, order)
		return placeErr
	})
	return ack, err
}

// MonitorOnce runs one evaluation cycle over every active position. Positions
// are evaluated in parallel with independent error handling and a bounded
// per-position timeout, so one slow symbol cannot delay the others.
func (e *Executor) MonitorOnce(ctx context.Context) {
	e.mu.RLock()
	active := make([]*domain.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		if pos.IsOpen() {
			active = append(active, pos)
		}
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, pos := range active {
		wg.Add(1)
		go func(p *domain.Position) {
			defer wg.Done()
			posCtx, cancel := context.WithTimeout(ctx, e.cfg.MonitorTimeout)
			defer cancel()
			e.monitorPosition(posCtx, p)
		}(pos)
	}
	wg.Wait()
}

// monitorPosition runs one cycle for a single position: price, fills,
// unrealized P&L, exit conditions in priority order (take-profit, stop-loss,
// time limit).
func (e *Executor) monitorPosition(ctx context.Context, pos *domain.Position) {
	price, err := e.currentPrice(ctx, pos.Symbol)
	if err != nil {
		e.logger.Debug(ctx, "Price unavailable, skipping position this cycle", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol})
		return
	}

	changed := e.applyFills(ctx, pos, price)
	e.markToMarket(pos, price)

	reason, shouldExit := e.exitCondition(pos, price)
	if shouldExit {
		if err := e.closePosition(ctx, pos, price, reason); err != nil {
			e.logger.Error(ctx, err, "Failed to close position", map[string]interface{}{"positionID": pos.ID, "reason": reason})
		}
		return
	}

	if changed {
		e.persist(ctx, pos)
	}
}

func (e *Executor) currentPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var fetchErr error
		price, fetchErr = e.prices.CurrentPrice(ctx, symbol)
		return fetchErr
	})
	return price, err
}

// applyFills marks working orders filled when the current price has reached
// their level within the slippage tolerance. Returns true when anything changed.
func (e *Executor) applyFills(ctx context.Context, pos *domain.Position, price float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pos.Status != domain.PositionActive {
		return false
	}

	changed := false
	for _, order := range pos.Orders {
		if order.Status != domain.OrderPlaced && order.Status != domain.OrderPartiallyFilled {
			continue
		}
		lvl := &pos.Grid.Levels[order.LevelIndex]
		if lvl.Filled {
			continue
		}
		if price <= order.Price*(1+e.cfg.SlippageTolerance) {
			now := e.now()
			order.Status = domain.OrderFilled
			order.UpdatedAt = now
			lvl.Filled = true
			lvl.FilledAt = now
			pos.FilledLevels++
			pos.TotalInvested += lvl.Size
			changed = true
			if e.settler != nil {
				e.settler.SettleFill(ctx, pos.Symbol, order.BrokerOrderID)
			}
			e.logger.Info(ctx, "Grid level filled", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "level": order.LevelIndex, "price": order.Price, "filledLevels": pos.FilledLevels})
		}
	}
	return changed
}

// markToMarket recomputes unrealized P&L from the filled levels' VWAP.
func (e *Executor) markToMarket(pos *domain.Position, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	avg, qty := pos.Grid.FilledVWAP()
	if qty == 0 {
		pos.CurrentValue = 0
		pos.UnrealizedPnL = 0
		return
	}
	pos.CurrentValue = qty * price
	pos.UnrealizedPnL = (price - avg) * qty
}

// exitCondition evaluates exits in the documented priority order:
// take-profit, then stop-loss, then time limit.
func (e *Executor) exitCondition(pos *domain.Position, price float64) (domain.CloseReason, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if pos.Status.IsTerminal() {
		return "", false
	}
	if price >= pos.Grid.TakeProfit {
		return domain.CloseReasonTakeProfit, true
	}
	if price <= pos.Grid.StopLoss {
		return domain.CloseReasonStopLoss, true
	}
	if e.now().Sub(pos.OpenedAt) > pos.MaxHold {
		return domain.CloseReasonTimeLimit, true
	}
	return "", false
}

// closePosition finalizes a position: cancels residual working orders,
// computes realized P&L from the filled quantity, and transitions to the
// terminal status for the close reason. Idempotent: a position already
// terminal (or being closed by another cycle) is left alone.
func (e *Executor) closePosition(ctx context.Context, pos *domain.Position, exitPrice float64, reason domain.CloseReason) error {
	op := "closePosition"

	e.mu.Lock()
	if pos.Status.IsTerminal() || pos.Status == domain.PositionClosing {
		e.mu.Unlock()
		return nil
	}
	pos.Status = domain.PositionClosing
	toCancel := make([]*domain.Order, 0)
	for _, order := range pos.Orders {
		if order.Status == domain.OrderPlaced || order.Status == domain.OrderPartiallyFilled || order.Status == domain.OrderPending {
			toCancel = append(toCancel, order)
		}
	}
	e.mu.Unlock()

	// Cancel residual orders. Cancellation failures are logged, not fatal:
	// the position still closes and the mismatch surfaces in the logs.
	for _, order := range toCancel {
		err := e.broker.Cancel(ctx, pos.Symbol, order.BrokerOrderID)
		if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			e.logger.Error(ctx, err, op+": Failed to cancel order", map[string]interface{}{"positionID": pos.ID, "orderID": order.ID})
		}
		e.mu.Lock()
		order.Status = domain.OrderCancelled
		order.UpdatedAt = e.now()
		e.mu.Unlock()
	}

	e.mu.Lock()
	avg, qty := pos.Grid.FilledVWAP()
	realized := qty * (exitPrice - avg)
	pos.RealizedPnL = realized
	pos.UnrealizedPnL = 0
	pos.CurrentValue = 0
	pos.ExitPrice = exitPrice
	pos.ClosedAt = e.now()
	pos.CloseReason = reason
	switch reason {
	case domain.CloseReasonTakeProfit:
		pos.Status = domain.PositionTakeProfit
	case domain.CloseReasonStopLoss:
		pos.Status = domain.PositionStoppedOut
	default:
		pos.Status = domain.PositionClosed
	}
	symbol := pos.Symbol
	e.mu.Unlock()

	e.riskMgr.Close(symbol, realized)
	if e.settler != nil && qty > 0 {
		e.settler.CreditProceeds(ctx, symbol, qty*exitPrice)
	}
	e.persist(ctx, pos)

	e.mu.Lock()
	delete(e.positions, pos.ID)
	e.mu.Unlock()

	e.logger.Info(ctx, op+": Position closed", map[string]interface{}{"positionID": pos.ID, "symbol": symbol, "reason": reason, "exitPrice": exitPrice, "realizedPnL": realized})
	return nil
}

// ClosePosition closes a live position at the current market price with a
// manual close reason.
func (e *Executor) ClosePosition(ctx context.Context, id string) error {
	e.mu.RLock()
	pos, exists := e.positions[id]
	e.mu.RUnlock()
	if !exists {
		return fmt.Errorf("executor: %w: position %s", ports.ErrNotFound, id)
	}
	price, err := e.currentPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("executor: cannot close %s: %w", id, err)
	}
	return e.closePosition(ctx, pos, price, domain.CloseReasonManual)
}

// HasActivePosition reports whether the symbol has a live position.
func (e *Executor) HasActivePosition(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, pos := range e.positions {
		if pos.Symbol == symbol && pos.IsOpen() {
			return true
		}
	}
	return false
}

// ActivePositions returns summaries of all live positions.
func (e *Executor) ActivePositions() []Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Summary, 0, len(e.positions))
	for _, pos := range e.positions {
		if !pos.IsOpen() {
			continue
		}
		out = append(out, Summary{
			ID:            pos.ID,
			Symbol:        pos.Symbol,
			Status:        pos.Status,
			FilledLevels:  pos.FilledLevels,
			TotalLevels:   len(pos.Grid.Levels),
			TotalInvested: pos.TotalInvested,
			UnrealizedPnL: pos.UnrealizedPnL,
			OpenedAt:      pos.OpenedAt,
		})
	}
	return out
}

// PositionDetails returns the live position, falling back to the store for
// archived ones. Returns nil, nil when unknown.
func (e *Executor) PositionDetails(ctx context.Context, id string) (*domain.Position, error) {
	e.mu.RLock()
	pos, exists := e.positions[id]
	e.mu.RUnlock()
	if exists {
		return pos, nil
	}
	return e.store.FindPositionByID(ctx, id)
}

// persist saves a position snapshot. Persistence errors mid-run are logged,
// not escalated.
func (e *Executor) persist(ctx context.Context, pos *domain.Position) {
	if err := e.store.SavePosition(ctx, pos); err != nil {
		e.logger.Error(ctx, err, "Failed to persist position", map[string]interface{}{"positionID": pos.ID})
	}
}
