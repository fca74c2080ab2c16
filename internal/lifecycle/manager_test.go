package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/planner"
	"dcaGridBot/internal/ports"
	"dcaGridBot/internal/risk"
	"dcaGridBot/internal/sizing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockDetector struct {
	mu     sync.Mutex
	setups map[string]*domain.Setup
	err    error
	calls  int
}

func (m *mockDetector) DetectSetups(ctx context.Context, symbols []string) ([]*domain.Setup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*domain.Setup, 0)
	for _, sym := range symbols {
		if s, ok := m.setups[sym]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

type mockScorer struct {
	score      *ports.MLScore
	err        error
	failSymbol string
	calls      int
}

func (m *mockScorer) Score(ctx context.Context, signal *domain.Signal) (*ports.MLScore, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.failSymbol != "" && signal.Setup.Symbol == m.failSymbol {
		return nil, errors.New("scoring failed for " + m.failSymbol)
	}
	return m.score, nil
}

type mockSignalStore struct {
	mu     sync.Mutex
	saved  map[string]*domain.Signal
	active []*domain.Signal
	err    error
}

func newMockSignalStore() *mockSignalStore {
	return &mockSignalStore{saved: make(map[string]*domain.Signal)}
}

func (m *mockSignalStore) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *sig
	m.saved[sig.ID] = &cp
	return nil
}

func (m *mockSignalStore) FindSignalByID(ctx context.Context, id string) (*domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id], nil
}

func (m *mockSignalStore) FindActiveSignals(ctx context.Context) ([]*domain.Signal, error) {
	return m.active, m.err
}

func (m *mockSignalStore) nonTerminal() []*domain.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Signal, 0)
	for _, s := range m.saved {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

func (m *mockSignalStore) statusOf(id string) domain.SignalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.saved[id]; ok {
		return s.Status
	}
	return ""
}

type mockGridExecutor struct {
	mu         sync.Mutex
	positionID string
	err        error
	active     map[string]bool
	executed   int
}

func (m *mockGridExecutor) ExecuteGrid(ctx context.Context, sig *domain.Signal, grid *domain.Grid) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.executed++
	return m.positionID, nil
}

func (m *mockGridExecutor) HasActivePosition(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[symbol]
}

// --- Helpers ---

func neutralSetup(symbol string) *domain.Setup {
	return &domain.Setup{
		Symbol:       symbol,
		Strategy:     "price_drop",
		TriggerPrice: 100,
		DetectedAt:   time.Now().UTC(),
		PercentDrop:  0.06,
		Market: domain.MarketContext{
			Regime:     domain.RegimeNeutral,
			Volatility: domain.VolNormal,
			CapTier:    domain.CapMid,
		},
	}
}

func goodScore() *ports.MLScore {
	return &ports.MLScore{
		Confidence: 0.7,
		Predicted: domain.Prediction{
			TakeProfitPct: 0.05,
			StopLossPct:   -0.03,
			HoldHours:     24,
		},
	}
}

type harness struct {
	mgr      *Manager
	detector *mockDetector
	scorer   *mockScorer
	store    *mockSignalStore
	executor *mockGridExecutor
	riskMgr  *risk.Manager
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	det := &mockDetector{setups: make(map[string]*domain.Setup)}
	scr := &mockScorer{score: goodScore()}
	store := newMockSignalStore()
	exec := &mockGridExecutor{positionID: "pos-1", active: make(map[string]bool)}

	riskMgr, err := risk.NewManager(risk.Config{PortfolioValue: 10000, MaxConcurrentPositions: 5, MaxPortfolioExposure: 0.5})
	require.NoError(t, err)
	sizer, err := sizing.New(sizing.DefaultConfig())
	require.NoError(t, err)
	gridPlanner, err := planner.New(planner.DefaultConfig())
	require.NoError(t, err)

	mgr, err := NewManager(cfg, nopLogger{}, det, scr, store, riskMgr, sizer, gridPlanner, exec)
	require.NoError(t, err)

	return &harness{mgr: mgr, detector: det, scorer: scr, store: store, executor: exec, riskMgr: riskMgr}
}

// --- Tests ---

func TestScanOnce_ApprovesThroughMLGate(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	sig := created[0]
	assert.Equal(t, domain.SignalApproved, sig.Status)
	require.NotNil(t, sig.Confidence)
	assert.InDelta(t, 0.7, *sig.Confidence, 1e-9)
	require.NotNil(t, sig.Predicted)
	assert.Equal(t, domain.SignalApproved, h.store.statusOf(sig.ID))
}

func TestScanOnce_ConfidenceGateRejects(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	h.scorer.score = &ports.MLScore{Confidence: 0.4, Predicted: goodScore().Predicted}

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	sig := created[0]
	assert.Equal(t, domain.SignalRejected, sig.Status)
	assert.Contains(t, sig.RejectReason, "confidence")
	// Rejection is terminal: the signal leaves tracking.
	assert.Empty(t, h.mgr.ActiveSignals())
}

func TestScanOnce_ExpectedValueGateRejects(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	// EV = 0.01*0.6 - 0.10*0.4 = -0.034, below the 0.01 floor.
	h.scorer.score = &ports.MLScore{
		Confidence: 0.6,
		Predicted:  domain.Prediction{TakeProfitPct: 0.01, StopLossPct: -0.10},
	}

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)
	assert.Equal(t, domain.SignalRejected, created[0].Status)
	assert.Contains(t, created[0].RejectReason, "expected value")
}

func TestScanOnce_ScorerFailureSkipsWithoutCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	h.scorer.err = errors.New("connection refused")

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	assert.Empty(t, created)
	assert.Empty(t, h.mgr.ActiveSignals())

	// The symbol is immediately eligible again once the scorer recovers.
	h.scorer.err = nil
	created = h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)
	assert.Equal(t, domain.SignalApproved, created[0].Status)
}

func TestScanOnce_ScorerFailureDoesNotSurviveRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	h.scorer.err = errors.New("connection refused")

	assert.Empty(t, h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"}))

	// The dropped signal's persisted record is terminal, so a restart cannot
	// resurrect it and block the symbol until TTL.
	assert.Empty(t, h.store.nonTerminal())

	h2 := newHarness(t, nil)
	h2.store.active = h.store.nonTerminal()
	require.NoError(t, h2.mgr.Restore(context.Background()))
	assert.Empty(t, h2.mgr.ActiveSignals())

	// After the restart the symbol scans straight through.
	h2.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	created := h2.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)
	assert.Equal(t, domain.SignalApproved, created[0].Status)
}

func TestScanOnce_DedupNonTerminalSignal(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	// Second scan: the symbol has a tracked APPROVED signal, so the detector
	// must not even be asked about it.
	callsBefore := h.detector.calls
	created = h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	assert.Empty(t, created)
	assert.Equal(t, callsBefore, h.detector.calls)
}

func TestScanOnce_CooldownAfterTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	h.scorer.score = &ports.MLScore{Confidence: 0.4, Predicted: goodScore().Predicted}

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)
	require.Equal(t, domain.SignalRejected, created[0].Status)

	// Rejected signal left tracking, but the cooldown window blocks rescans.
	created = h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	assert.Empty(t, created)

	// After the cooldown elapses the symbol is eligible again.
	h.mgr.now = func() time.Time { return time.Now().UTC().Add(3 * time.Hour) }
	h.scorer.score = goodScore()
	created = h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)
}

func TestScanOnce_ActivePositionBlocksSymbol(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	h.executor.active["ETHUSDT"] = true

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	assert.Empty(t, created)
}

func TestScanOnce_SymbolFailureIsolated(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	h.detector.setups["SOLUSDT"] = neutralSetup("SOLUSDT")
	// One symbol's scoring breaks while the other goes through.
	h.scorer.failSymbol = "ETHUSDT"

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT", "SOLUSDT"})
	require.Len(t, created, 1)
	assert.Equal(t, "SOLUSDT", created[0].Setup.Symbol)
	assert.Equal(t, domain.SignalApproved, created[0].Status)
}

func TestScanOnce_MLDisabledApprovesDirectly(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MLEnabled = false })
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	sig := created[0]
	assert.Equal(t, domain.SignalApproved, sig.Status)
	require.NotNil(t, sig.Confidence)
	assert.InDelta(t, 0.6, *sig.Confidence, 1e-9)
	assert.Zero(t, h.scorer.calls)
}

func TestProcessPending_ExecutesApprovedSignal(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)
	sig := created[0]

	h.mgr.ProcessPending(context.Background())

	assert.Equal(t, 1, h.executor.executed)
	assert.Equal(t, domain.SignalExecuted, sig.Status)
	assert.Equal(t, "pos-1", sig.PositionID)
	require.NotNil(t, sig.Grid)
	assert.NotEmpty(t, sig.Grid.Levels)
	// Executed is terminal: signal left tracking.
	assert.Empty(t, h.mgr.ActiveSignals())
	assert.Equal(t, domain.SignalExecuted, h.store.statusOf(sig.ID))
}

func TestProcessPending_ExecutorDeclineKeepsSignalApproved(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	h.executor.err = ports.ErrRiskLimitExceeded

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	h.mgr.ProcessPending(context.Background())

	// The signal stays APPROVED for a later cycle rather than dying.
	assert.Equal(t, domain.SignalApproved, created[0].Status)
	require.Len(t, h.mgr.ActiveSignals(), 1)
}

func TestProcessPending_ManualModePlansWithoutExecuting(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	h.mgr.ProcessPending(context.Background())

	assert.Zero(t, h.executor.executed)
	assert.Equal(t, domain.SignalApproved, created[0].Status)
	require.NotNil(t, created[0].Grid)
}

func TestProcessPending_RiskGateBlocks(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	// Same symbol already committed: duplicate-position risk gate fires.
	h.riskMgr.Open("ETHUSDT", 500)

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	h.mgr.ProcessPending(context.Background())

	assert.Zero(t, h.executor.executed)
	assert.Equal(t, domain.SignalApproved, created[0].Status)
}

func TestProcessPending_AppliesPredictedSizeMultiplier(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	score := goodScore()
	score.Predicted.SizeMultiplier = 1.5
	h.scorer.score = score

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	h.mgr.ProcessPending(context.Background())
	require.NotNil(t, created[0].Grid)

	// 100 * 1.5 (neutral) * 1.0 * 1.0 * 1.0 * 1.2 (conf 0.7) * 1.5 = 270,
	// below every cap.
	assert.InDelta(t, 270.0, created[0].Grid.TotalInvestment, 1e-6)
}

func TestProcessPending_PredictedSizeMultiplierStaysCapped(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	score := goodScore()
	score.Predicted.SizeMultiplier = 10
	h.scorer.score = score

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)

	h.mgr.ProcessPending(context.Background())
	require.NotNil(t, created[0].Grid)

	// Raw composition 180 * 10 = 1800 exceeds the per-position cap, so the
	// committed grid is bounded at 10000 * 0.10 = 1000.
	assert.InDelta(t, 1000.0, created[0].Grid.TotalInvestment, 1e-6)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)
	sig := created[0]

	// Jump past the TTL; the next cycle sweeps the signal out.
	h.mgr.now = func() time.Time { return time.Now().UTC().Add(5 * time.Hour) }
	h.mgr.ExpireStale(context.Background())

	assert.Equal(t, domain.SignalExpired, sig.Status)
	assert.Empty(t, h.mgr.ActiveSignals())
	assert.Equal(t, domain.SignalExpired, h.store.statusOf(sig.ID))
}

func TestTransition_TerminalStatesNeverReentered(t *testing.T) {
	h := newHarness(t, nil)
	sig := &domain.Signal{
		ID:     "sig-terminal",
		Setup:  *neutralSetup("ETHUSDT"),
		Status: domain.SignalRejected,
	}

	for _, to := range []domain.SignalStatus{
		domain.SignalDetected, domain.SignalAnalyzing, domain.SignalApproved,
		domain.SignalExecuted, domain.SignalExpired,
	} {
		err := h.mgr.transition(context.Background(), sig, to, "")
		assert.Error(t, err, "transition rejected -> %s must fail", to)
		assert.Equal(t, domain.SignalRejected, sig.Status)
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t, nil)
	conf := 0.7
	h.store.active = []*domain.Signal{
		{ID: "sig-a", Setup: *neutralSetup("ETHUSDT"), Status: domain.SignalApproved, Confidence: &conf, ExpiresAt: time.Now().UTC().Add(time.Hour)},
	}

	require.NoError(t, h.mgr.Restore(context.Background()))

	active := h.mgr.ActiveSignals()
	require.Len(t, active, 1)
	assert.Equal(t, "sig-a", active[0].ID)

	// Restored signal also blocks its symbol from rescanning.
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	assert.Empty(t, h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"}))
}

func TestSignalDetails_FallsBackToStore(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.setups["ETHUSDT"] = neutralSetup("ETHUSDT")
	h.scorer.score = &ports.MLScore{Confidence: 0.4, Predicted: goodScore().Predicted}

	created := h.mgr.ScanOnce(context.Background(), []string{"ETHUSDT"})
	require.Len(t, created, 1)
	id := created[0].ID

	// Rejected signal is no longer tracked but remains queryable.
	sig, err := h.mgr.SignalDetails(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalRejected, sig.Status)
}
