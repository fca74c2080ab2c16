package risk

import (
	"fmt"
	"sync"

	"dcaGridBot/internal/domain"
)

// Config holds portfolio-level risk limits.
type Config struct {
	PortfolioValue         float64 // Initial portfolio value in quote currency
	MaxConcurrentPositions int
	MaxPortfolioExposure   float64 // Fraction of portfolio value committable at once
}

// Manager tracks aggregate exposure and gates new position commitments.
// It never initiates trading: Open/Close are called only after the
// corresponding executor action has succeeded.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	exposure  float64
	positions map[string]float64 // symbol -> committed dollars
	value     float64
}

// NewManager creates a Manager with validated limits.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PortfolioValue <= 0 {
		return nil, fmt.Errorf("risk: PortfolioValue must be positive")
	}
	if cfg.MaxConcurrentPositions <= 0 {
		return nil, fmt.Errorf("risk: MaxConcurrentPositions must be positive")
	}
	if cfg.MaxPortfolioExposure <= 0 || cfg.MaxPortfolioExposure > 1 {
		return nil, fmt.Errorf("risk: MaxPortfolioExposure must be in (0,1]")
	}
	return &Manager{
		cfg:       cfg,
		positions: make(map[string]float64),
		value:     cfg.PortfolioValue,
	}, nil
}

// CanOpen reports whether a new position of proposedSize may be opened for
// symbol, with the blocking reason when it may not.
func (m *Manager) CanOpen(symbol string, proposedSize float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[symbol]; exists {
		return false, fmt.Sprintf("symbol %s already has a tracked position", symbol)
	}
	if len(m.positions) >= m.cfg.MaxConcurrentPositions {
		return false, fmt.Sprintf("open position limit reached (%d)", m.cfg.MaxConcurrentPositions)
	}
	if maxExposure := m.value * m.cfg.MaxPortfolioExposure; m.exposure+proposedSize > maxExposure {
		return false, fmt.Sprintf("exposure %.2f + %.2f would exceed cap %.2f", m.exposure, proposedSize, maxExposure)
	}
	return true, ""
}

// Open records a successfully opened position's committed capital.
func (m *Manager) Open(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = size
	m.exposure += size
}

// Close releases a closed position's exposure and applies its realized P&L
// to the portfolio value.
func (m *Manager) Close(symbol string, realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	committed, exists := m.positions[symbol]
	if !exists {
		return
	}
	delete(m.positions, symbol)
	m.exposure -= committed
	if m.exposure < 0 {
		m.exposure = 0
	}
	m.value += realizedPnL
}

// HasPosition reports whether the symbol currently has tracked exposure.
func (m *Manager) HasPosition(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.positions[symbol]
	return exists
}

// PortfolioValue returns the current portfolio value.
func (m *Manager) PortfolioValue() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// SetPortfolioValue refreshes the portfolio value from an external
// mark-to-market source.
func (m *Manager) SetPortfolioValue(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > 0 {
		m.value = v
	}
}

// OpenCount returns the number of tracked positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// Snapshot returns a copy of the aggregate portfolio state.
func (m *Manager) Snapshot() domain.PortfolioState {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbols := make([]string, 0, len(m.positions))
	for sym := range m.positions {
		symbols = append(symbols, sym)
	}
	return domain.PortfolioState{
		PortfolioValue:   m.value,
		CurrentExposure:  m.exposure,
		OpenPositions:    len(m.positions),
		AvailableCapital: m.value - m.exposure,
		Symbols:          symbols,
	}
}
