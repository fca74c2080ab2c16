package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/planner"
	"dcaGridBot/internal/ports"
	"dcaGridBot/internal/risk"
	"dcaGridBot/internal/sizing"
)

// GridExecutor is the narrow executor surface the lifecycle depends on.
type GridExecutor interface {
	// ExecuteGrid validates and places a grid, returning the position id.
	ExecuteGrid(ctx context.Context, sig *domain.Signal, grid *domain.Grid) (string, error)
	// HasActivePosition reports whether the symbol has a live position.
	HasActivePosition(symbol string) bool
}

// Config holds signal lifecycle parameters.
type Config struct {
	SignalTTL         time.Duration // Expiry horizon for new signals
	CooldownPeriod    time.Duration // Exclusion window after a signal leaves tracking
	MLEnabled         bool          // Whether signals pass through ML scoring
	MinConfidence     float64       // ANALYZING -> REJECTED below this
	MinExpectedValue  float64       // EV approval floor (e.g. 0.01)
	DefaultConfidence float64       // Assigned when ML scoring is disabled
	AutoExecute       bool          // Hand approved grids to the executor automatically
}

// DefaultConfig returns the documented lifecycle defaults.
func DefaultConfig() Config {
	return Config{
		SignalTTL:         4 * time.Hour,
		CooldownPeriod:    2 * time.Hour,
		MLEnabled:         true,
		MinConfidence:     0.55,
		MinExpectedValue:  0.01,
		DefaultConfidence: 0.6,
		AutoExecute:       true,
	}
}

// Summary is the dashboard view of one tracked signal.
type Summary struct {
	ID         string
	Symbol     string
	Strategy   string
	Status     domain.SignalStatus
	Confidence *float64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// validTransitions is the signal state machine. Terminal states have no
// outgoing edges and are never re-entered.
var validTransitions = map[domain.SignalStatus][]domain.SignalStatus{
	domain.SignalDetected:  {domain.SignalAnalyzing, domain.SignalApproved, domain.SignalExpired},
	domain.SignalAnalyzing: {domain.SignalApproved, domain.SignalRejected, domain.SignalExpired},
	domain.SignalApproved:  {domain.SignalExecuted, domain.SignalExpired},
}

// Manager owns every tracked signal from detection through expiry or
// execution. All signal mutations go through its single mutex, so concurrent
// loop readers never observe a half-updated signal.
type Manager struct {
	cfg      Config
	logger   ports.Logger
	detector ports.Detector
	scorer   ports.MLScorer
	store    ports.SignalRepository
	riskMgr  *risk.Manager
	sizer    *sizing.Sizer
	planner  *planner.Planner
	executor GridExecutor

	mu        sync.Mutex
	signals   map[string]*domain.Signal
	cooldowns map[string]time.Time // symbol -> excluded until
	now       func() time.Time
}

// NewManager creates a lifecycle manager. The scorer may be nil when
// cfg.MLEnabled is false.
func NewManager(
	cfg Config,
	logger ports.Logger,
	detector ports.Detector,
	scorer ports.MLScorer,
	store ports.SignalRepository,
	riskMgr *risk.Manager,
	sizer *sizing.Sizer,
	gridPlanner *planner.Planner,
	executor GridExecutor,
) (*Manager, error) {
	if logger == nil || detector == nil || store == nil || riskMgr == nil || sizer == nil || gridPlanner == nil || executor == nil {
		return nil, fmt.Errorf("lifecycle: missing required dependencies")
	}
	if cfg.MLEnabled && scorer == nil {
		return nil, fmt.Errorf("lifecycle: ML scoring enabled but no scorer provided")
	}
	if cfg.SignalTTL <= 0 {
		return nil, fmt.Errorf("lifecycle: SignalTTL must be positive")
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		detector:  detector,
		scorer:    scorer,
		store:     store,
		riskMgr:   riskMgr,
		sizer:     sizer,
		planner:   gridPlanner,
		executor:  executor,
		signals:   make(map[string]*domain.Signal),
		cooldowns: make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Restore loads previously active signals back into tracking, used at
// startup for crash recovery.
func (m *Manager) Restore(ctx context.Context) error {
	active, err := m.store.FindActiveSignals(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: restoring active signals: %w", err)
	}
	m.mu.Lock()
	for _, sig := range active {
		m.signals[sig.ID] = sig
	}
	m.mu.Unlock()
	if len(active) > 0 {
		m.logger.Info(ctx, "Restored active signals from store", map[string]interface{}{"count": len(active)})
	}
	return nil
}

// ScanOnce runs one detection pass over the given symbols and returns the
// signals created. Detector or scorer failures for one symbol are logged and
// skipped without aborting the rest of the scan.
func (m *Manager) ScanOnce(ctx context.Context, symbols []string) []*domain.Signal {
	m.ExpireStale(ctx)

	eligible := m.eligibleSymbols(symbols)
	if len(eligible) == 0 {
		return nil
	}

	created := make([]*domain.Signal, 0)
	for _, symbol := range eligible {
		sig, err := m.scanSymbol(ctx, symbol)
		if err != nil {
			m.logger.Warn(ctx, "Symbol scan failed, skipping this cycle", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			continue
		}
		if sig != nil {
			created = append(created, sig)
		}
	}
	return created
}

// scanSymbol runs detection and evaluation for a single symbol, isolated so
// one symbol's failure cannot affect the others.
func (m *Manager) scanSymbol(ctx context.Context, symbol string) (*domain.Signal, error) {
	setups, err := m.detector.DetectSetups(ctx, []string{symbol})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrDetectorFailed, err)
	}
	for _, setup := range setups {
		if setup == nil || setup.Symbol != symbol {
			continue
		}
		return m.createSignal(ctx, setup)
	}
	return nil, nil
}

// createSignal builds a tracked signal from a setup and runs it through the
// detection-time transitions (ML gate or direct approval).
func (m *Manager) createSignal(ctx context.Context, setup *domain.Setup) (*domain.Signal, error) {
	now := m.now()
	sig := &domain.Signal{
		ID:        uuid.New().String(),
		Setup:     *setup,
		Status:    domain.SignalDetected,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.SignalTTL),
	}

	if !m.cfg.MLEnabled {
		conf := m.cfg.DefaultConfidence
		sig.Confidence = &conf
		m.track(sig)
		if err := m.transition(ctx, sig, domain.SignalApproved, ""); err != nil {
			return nil, err
		}
		m.logger.Info(ctx, "Signal approved without scoring", map[string]interface{}{"signalID": sig.ID, "symbol": setup.Symbol, "strategy": setup.Strategy})
		return sig, nil
	}

	m.track(sig)
	if err := m.transition(ctx, sig, domain.SignalAnalyzing, ""); err != nil {
		return nil, err
	}

	score, err := m.scorer.Score(ctx, sig)
	if err != nil {
		// Scoring failure is transient: retire the signal so the symbol can be
		// re-scanned next cycle.
		m.discard(ctx, sig, "scoring unavailable")
		return nil, fmt.Errorf("%w: %v", ports.ErrScorerUnavailable, err)
	}

	predicted := score.Predicted
	m.mu.Lock()
	sig.Confidence = &score.Confidence
	sig.Predicted = &predicted
	m.mu.Unlock()

	if score.Confidence < m.cfg.MinConfidence {
		reason := fmt.Sprintf("confidence %.2f below minimum %.2f", score.Confidence, m.cfg.MinConfidence)
		if err := m.transition(ctx, sig, domain.SignalRejected, reason); err != nil {
			return nil, err
		}
		m.logger.Info(ctx, "Signal rejected by confidence gate", map[string]interface{}{"signalID": sig.ID, "symbol": setup.Symbol, "confidence": score.Confidence})
		return sig, nil
	}

	if ev := predicted.ExpectedValue(score.Confidence); ev < m.cfg.MinExpectedValue {
		reason := fmt.Sprintf("expected value %.4f below floor %.4f", ev, m.cfg.MinExpectedValue)
		if err := m.transition(ctx, sig, domain.SignalRejected, reason); err != nil {
			return nil, err
		}
		m.logger.Info(ctx, "Signal rejected by EV gate", map[string]interface{}{"signalID": sig.ID, "symbol": setup.Symbol, "ev": ev})
		return sig, nil
	}

	if err := m.transition(ctx, sig, domain.SignalApproved, ""); err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "Signal approved", map[string]interface{}{"signalID": sig.ID, "symbol": setup.Symbol, "confidence": score.Confidence})
	return sig, nil
}

// ProcessPending sizes, plans and (when auto-execution is on) hands off every
// APPROVED signal. A signal that cannot be funded or planned this cycle stays
// APPROVED until it expires or is processed manually.
func (m *Manager) ProcessPending(ctx context.Context) {
	m.ExpireStale(ctx)

	m.mu.Lock()
	approved := make([]*domain.Signal, 0)
	for _, sig := range m.signals {
		if sig.Status == domain.SignalApproved {
			approved = append(approved, sig)
		}
	}
	m.mu.Unlock()

	for _, sig := range approved {
		if err := m.processApproved(ctx, sig); err != nil {
			m.logger.Warn(ctx, "Approved signal not processed this cycle", map[string]interface{}{"signalID": sig.ID, "symbol": sig.Setup.Symbol, "error": err.Error()})
		}
	}
}

func (m *Manager) processApproved(ctx context.Context, sig *domain.Signal) error {
	symbol := sig.Setup.Symbol

	portfolioValue := m.riskMgr.PortfolioValue()
	conf := sig.Confidence
	modelMult := 0.0
	if sig.Predicted != nil {
		modelMult = sig.Predicted.SizeMultiplier
	}
	size, breakdown := m.sizer.Size(symbol, portfolioValue, sig.Setup.Market, conf, modelMult, m.riskMgr.OpenCount())
	if size == 0 {
		return fmt.Errorf("unsizable: %s", breakdown.Reason)
	}

	if ok, reason := m.riskMgr.CanOpen(symbol, size); !ok {
		return fmt.Errorf("risk gate: %s", reason)
	}

	grid, planReason := m.planner.Plan(symbol, sig.Setup.TriggerPrice, sig.ConfidenceOrDefault(m.cfg.DefaultConfidence), sig.Setup.SupportLevels, size, sig.Predicted)
	if planReason != "" {
		return fmt.Errorf("grid planning: %s", planReason)
	}
	if reason, ok := m.planner.Validate(grid, m.riskMgr.Snapshot().AvailableCapital); !ok {
		return fmt.Errorf("grid validation: %s", reason)
	}

	m.mu.Lock()
	sig.Grid = grid
	m.mu.Unlock()
	m.persist(ctx, sig)

	if !m.cfg.AutoExecute {
		m.logger.Info(ctx, "Grid planned, awaiting manual execution", map[string]interface{}{"signalID": sig.ID, "symbol": symbol, "levels": len(grid.Levels), "investment": grid.TotalInvestment})
		return nil
	}

	positionID, err := m.executor.ExecuteGrid(ctx, sig, grid)
	if err != nil {
		return fmt.Errorf("grid execution declined: %w", err)
	}

	m.mu.Lock()
	sig.PositionID = positionID
	m.mu.Unlock()
	if err := m.transition(ctx, sig, domain.SignalExecuted, ""); err != nil {
		return err
	}
	m.logger.Info(ctx, "Signal executed", map[string]interface{}{"signalID": sig.ID, "symbol": symbol, "positionID": positionID, "investment": grid.TotalInvestment})
	return nil
}

// ExpireStale transitions every non-terminal signal whose expiry has passed.
func (m *Manager) ExpireStale(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	stale := make([]*domain.Signal, 0)
	for _, sig := range m.signals {
		if !sig.Status.IsTerminal() && sig.IsExpired(now) {
			stale = append(stale, sig)
		}
	}
	m.mu.Unlock()

	for _, sig := range stale {
		if err := m.transition(ctx, sig, domain.SignalExpired, "signal expired"); err != nil {
			m.logger.Error(ctx, err, "Failed to expire signal", map[string]interface{}{"signalID": sig.ID})
			continue
		}
		m.logger.Info(ctx, "Signal expired", map[string]interface{}{"signalID": sig.ID, "symbol": sig.Setup.Symbol})
	}
}

// transition applies a state change under the transition table, persists the
// signal, and drops terminal signals from tracking (starting the symbol's
// cooldown window).
func (m *Manager) transition(ctx context.Context, sig *domain.Signal, to domain.SignalStatus, reason string) error {
	m.mu.Lock()
	from := sig.Status
	if !transitionAllowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid signal transition %s -> %s for %s", from, to, sig.ID)
	}
	sig.Status = to
	if reason != "" {
		sig.RejectReason = reason
	}
	m.mu.Unlock()

	m.persist(ctx, sig)
	if to.IsTerminal() {
		m.untrack(sig.ID, true)
	}
	return nil
}

// discard retires a signal whose evaluation could not complete. The persisted
// record becomes terminal so a restart cannot resurrect it and re-block the
// symbol, and no cooldown starts so the symbol is eligible again on the next
// scan.
func (m *Manager) discard(ctx context.Context, sig *domain.Signal, reason string) {
	m.mu.Lock()
	sig.Status = domain.SignalExpired
	sig.RejectReason = reason
	m.mu.Unlock()
	m.persist(ctx, sig)
	m.untrack(sig.ID, false)
}

func transitionAllowed(from, to domain.SignalStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// persist saves a signal snapshot. Persistence errors mid-run are logged, not
// escalated: the in-memory state machine remains authoritative.
func (m *Manager) persist(ctx context.Context, sig *domain.Signal) {
	if err := m.store.SaveSignal(ctx, sig); err != nil {
		m.logger.Error(ctx, err, "Failed to persist signal", map[string]interface{}{"signalID": sig.ID})
	}
}

func (m *Manager) track(sig *domain.Signal) {
	m.mu.Lock()
	m.signals[sig.ID] = sig
	m.mu.Unlock()
}

// untrack removes a signal from tracking. withCooldown starts the symbol's
// exclusion window, applied regardless of outcome.
func (m *Manager) untrack(id string, withCooldown bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, exists := m.signals[id]
	if !exists {
		return
	}
	delete(m.signals, id)
	if withCooldown && m.cfg.CooldownPeriod > 0 {
		m.cooldowns[sig.Setup.Symbol] = m.now().Add(m.cfg.CooldownPeriod)
	}
}

// eligibleSymbols filters out symbols with a non-terminal signal, an active
// position, or an unexpired cooldown.
func (m *Manager) eligibleSymbols(symbols []string) []string {
	now := m.now()

	m.mu.Lock()
	tracked := make(map[string]bool, len(m.signals))
	for _, sig := range m.signals {
		if !sig.Status.IsTerminal() {
			tracked[sig.Setup.Symbol] = true
		}
	}
	cooldowns := make(map[string]time.Time, len(m.cooldowns))
	for sym, until := range m.cooldowns {
		if now.Before(until) {
			cooldowns[sym] = until
		} else {
			delete(m.cooldowns, sym)
		}
	}
	m.mu.Unlock()

	eligible := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if tracked[symbol] {
			continue
		}
		if _, cooling := cooldowns[symbol]; cooling {
			continue
		}
		if m.executor.HasActivePosition(symbol) {
			continue
		}
		eligible = append(eligible, symbol)
	}
	return eligible
}

// ActiveSignals returns summaries of all non-terminal signals.
func (m *Manager) ActiveSignals() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.signals))
	for _, sig := range m.signals {
		if sig.Status.IsTerminal() {
			continue
		}
		out = append(out, Summary{
			ID:         sig.ID,
			Symbol:     sig.Setup.Symbol,
			Strategy:   sig.Setup.Strategy,
			Status:     sig.Status,
			Confidence: sig.Confidence,
			CreatedAt:  sig.CreatedAt,
			ExpiresAt:  sig.ExpiresAt,
		})
	}
	return out
}

// SignalDetails returns the tracked signal, falling back to the store for
// signals that already left tracking. Returns nil, nil when unknown.
func (m *Manager) SignalDetails(ctx context.Context, id string) (*domain.Signal, error) {
	m.mu.Lock()
	sig, exists := m.signals[id]
	m.mu.Unlock()
	if exists {
		return sig, nil
	}
	return m.store.FindSignalByID(ctx, id)
}
