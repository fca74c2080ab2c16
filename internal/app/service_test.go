package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"dcaGridBot/config"
	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/executor"
	"dcaGridBot/internal/lifecycle"
	"dcaGridBot/internal/planner"
	"dcaGridBot/internal/ports"
	"dcaGridBot/internal/retry"
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

type mockStore struct {
	mu        sync.Mutex
	signals   map[string]*domain.Signal
	positions map[string]*domain.Position
	realized  float64
	outcomes  map[domain.PositionStatus]int
}

func newMockStore() *mockStore {
	return &mockStore{
		signals:   make(map[string]*domain.Signal),
		positions: make(map[string]*domain.Position),
		outcomes:  make(map[domain.PositionStatus]int),
	}
}

func (m *mockStore) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sig
	m.signals[sig.ID] = &cp
	return nil
}

func (m *mockStore) FindSignalByID(ctx context.Context, id string) (*domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals[id], nil
}

func (m *mockStore) FindActiveSignals(ctx context.Context) ([]*domain.Signal, error) {
	return nil, nil
}

func (m *mockStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pos
	m.positions[pos.ID] = &cp
	return nil
}

func (m *mockStore) FindPositionByID(ctx context.Context, id string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[id], nil
}

func (m *mockStore) FindOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}

func (m *mockStore) TotalRealizedPnL(ctx context.Context) (float64, error) {
	return m.realized, nil
}

func (m *mockStore) CountClosedByOutcome(ctx context.Context) (map[domain.PositionStatus]int, error) {
	return m.outcomes, nil
}

type mockDetector struct {
	mu     sync.Mutex
	setups []*domain.Setup
	calls  int
}

func (m *mockDetector) DetectSetups(ctx context.Context, symbols []string) ([]*domain.Setup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.setups, nil
}

type mockPriceFeed struct {
	mu    sync.Mutex
	price float64
}

func (m *mockPriceFeed) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

func (m *mockPriceFeed) set(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = p
}

type mockBroker struct{}

func (mockBroker) Place(ctx context.Context, order *domain.Order) (*ports.PlacedOrder, error) {
	return &ports.PlacedOrder{
		BrokerOrderID: "bo-" + order.ID,
		Symbol:        order.Symbol,
		Price:         order.Price,
		Quantity:      order.Quantity,
		Side:          order.Side,
		Status:        domain.OrderPlaced,
	}, nil
}

func (mockBroker) Cancel(ctx context.Context, symbol, brokerOrderID string) error { return nil }

// --- Helpers ---

func testConfig() *config.Config {
	return &config.Config{
		Symbols:         []string{"ETHUSDT"},
		ScanInterval:    time.Hour,
		ProcessInterval: time.Hour,
		MonitorInterval: time.Minute,
	}
}

type harness struct {
	svc      *Service
	detector *mockDetector
	prices   *mockPriceFeed
	store    *mockStore
	riskMgr  *risk.Manager
}

// newHarness wires a full service with ML scoring disabled, mock detection,
// a cooperative broker and an in-memory store.
func newHarness(t *testing.T) *harness {
	t.Helper()

	store := newMockStore()
	det := &mockDetector{}
	prices := &mockPriceFeed{price: 100}

	riskMgr, err := risk.NewManager(risk.Config{PortfolioValue: 10000, MaxConcurrentPositions: 5, MaxPortfolioExposure: 0.5})
	require.NoError(t, err)
	sizer, err := sizing.New(sizing.DefaultConfig())
	require.NoError(t, err)
	gridPlanner, err := planner.New(planner.DefaultConfig())
	require.NoError(t, err)

	execCfg := executor.DefaultConfig()
	execCfg.Retry = retry.Config{MaxAttempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}
	exec, err := executor.New(execCfg, nopLogger{}, prices, mockBroker{}, store, riskMgr)
	require.NoError(t, err)

	lcCfg := lifecycle.DefaultConfig()
	lcCfg.MLEnabled = false
	signals, err := lifecycle.NewManager(lcCfg, nopLogger{}, det, nil, store, riskMgr, sizer, gridPlanner, exec)
	require.NoError(t, err)

	svc, err := NewService(testConfig(), nopLogger{}, signals, exec, riskMgr, store)
	require.NoError(t, err)

	return &harness{svc: svc, detector: det, prices: prices, store: store, riskMgr: riskMgr}
}

// --- Tests ---

func TestNewService_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := NewService(nil, nopLogger{}, h.svc.signals, h.svc.executor, h.riskMgr, h.store)
	assert.Error(t, err)

	badCfg := testConfig()
	badCfg.MonitorInterval = 0
	_, err = NewService(badCfg, nopLogger{}, h.svc.signals, h.svc.executor, h.riskMgr, h.store)
	assert.Error(t, err)
}

func TestScanProcessMonitor_FullPass(t *testing.T) {
	h := newHarness(t)
	h.detector.setups = []*domain.Setup{{
		Symbol:       "ETHUSDT",
		Strategy:     "price_drop",
		TriggerPrice: 100,
		DetectedAt:   time.Now().UTC(),
		PercentDrop:  0.06,
		Market: domain.MarketContext{
			Regime:     domain.RegimeNeutral,
			Volatility: domain.VolNormal,
			CapTier:    domain.CapMid,
		},
	}}
	ctx := context.Background()

	created := h.svc.ScanOnce(ctx, nil)
	require.Len(t, created, 1)
	require.Len(t, h.svc.ActiveSignals(), 1)

	h.svc.ProcessPendingOnce(ctx)

	// The approved signal became a live position.
	assert.Empty(t, h.svc.ActiveSignals())
	positions := h.svc.ActivePositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "ETHUSDT", positions[0].Symbol)
	assert.True(t, h.riskMgr.HasPosition("ETHUSDT"))

	// Price reaching the top grid level fills it on the next monitoring pass.
	h.prices.set(99)
	h.svc.executor.MonitorOnce(ctx)
	positions = h.svc.ActivePositions()
	require.Len(t, positions, 1)
	assert.GreaterOrEqual(t, positions[0].FilledLevels, 1)
}

func TestClosePosition_Manual(t *testing.T) {
	h := newHarness(t)
	h.detector.setups = []*domain.Setup{{
		Symbol:       "ETHUSDT",
		Strategy:     "price_drop",
		TriggerPrice: 100,
		DetectedAt:   time.Now().UTC(),
		Market:       domain.MarketContext{Regime: domain.RegimeNeutral, Volatility: domain.VolNormal, CapTier: domain.CapMid},
	}}
	ctx := context.Background()

	require.Len(t, h.svc.ScanOnce(ctx, nil), 1)
	h.svc.ProcessPendingOnce(ctx)
	positions := h.svc.ActivePositions()
	require.Len(t, positions, 1)

	require.NoError(t, h.svc.ClosePosition(ctx, positions[0].ID))

	assert.Empty(t, h.svc.ActivePositions())
	assert.False(t, h.riskMgr.HasPosition("ETHUSDT"))

	// Details remain queryable from the store after close.
	pos, err := h.svc.PositionDetails(ctx, positions[0].ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.CloseReasonManual, pos.CloseReason)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.store.realized = 40
	h.store.outcomes = map[domain.PositionStatus]int{
		domain.PositionTakeProfit: 2,
		domain.PositionStoppedOut: 1,
		domain.PositionClosed:     1,
	}

	stats, err := h.svc.Stats(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 40.0, stats.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.Equal(t, 4, stats.ClosedPositions[domain.PositionTakeProfit]+stats.ClosedPositions[domain.PositionStoppedOut]+stats.ClosedPositions[domain.PositionClosed])
	assert.InDelta(t, 10000.0, stats.Portfolio.PortfolioValue, 1e-9)
}

func TestStats_NoClosesYieldsZeroWinRate(t *testing.T) {
	h := newHarness(t)
	stats, err := h.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.WinRate)
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.svc.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop on context cancellation")
	}
}
