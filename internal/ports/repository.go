package ports

import (
	"context"

	"dcaGridBot/internal/domain"
)

// SignalRepository persists signals (with their planned grids) keyed by id.
type SignalRepository interface {
	// SaveSignal inserts or replaces a signal snapshot.
	SaveSignal(ctx context.Context, sig *domain.Signal) error
	// FindSignalByID retrieves a signal by id. Returns nil, nil if not found.
	FindSignalByID(ctx context.Context, id string) (*domain.Signal, error)
	// FindActiveSignals retrieves all signals in a non-terminal status.
	FindActiveSignals(ctx context.Context) ([]*domain.Signal, error)
}

// PositionRepository persists positions with their grids and orders.
type PositionRepository interface {
	// SavePosition inserts or replaces a position snapshot, including its
	// grid levels and orders.
	SavePosition(ctx context.Context, pos *domain.Position) error
	// FindPositionByID retrieves a position by id. Returns nil, nil if not found.
	FindPositionByID(ctx context.Context, id string) (*domain.Position, error)
	// FindOpenPositions retrieves all positions in a non-terminal status,
	// used for crash recovery at startup.
	FindOpenPositions(ctx context.Context) ([]*domain.Position, error)
	// TotalRealizedPnL sums realized P&L across closed positions.
	TotalRealizedPnL(ctx context.Context) (float64, error)
	// CountClosedByOutcome counts closed positions per terminal status.
	CountClosedByOutcome(ctx context.Context) (map[domain.PositionStatus]int, error)
}

// Store combines the persistence contracts the core requires.
type Store interface {
	SignalRepository
	PositionRepository
}
