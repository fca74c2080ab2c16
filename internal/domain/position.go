package domain

import "time"

// Order is one staged grid level's working order, owned by its Position.
type Order struct {
	ID            string      // Client order id (uuid)
	BrokerOrderID string      // Exchange/broker assigned id, empty until placed
	PositionID    string      // Owning position
	Symbol        string
	LevelIndex    int         // Index of the grid level this order covers
	Price         float64
	Quantity      float64
	Side          OrderSide
	Status        OrderStatus
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

// Position is the live, executed counterpart of an approved signal: a grid
// being worked on the market. Owned by the executor; created at grid
// execution, archived at close.
type Position struct {
	ID            string // Unique identifier (uuid)
	Symbol        string
	SignalID      string // Originating signal
	Grid          *Grid
	Orders        []*Order
	FilledLevels  int     // Count of grid levels that have filled
	TotalInvested float64 // Sum of sizes of FILLED orders only
	CurrentValue  float64 // Mark-to-market value of the filled quantity
	UnrealizedPnL float64
	RealizedPnL   float64 // Set on close
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      time.Time   // Zero while open
	ExitPrice     float64     // Set on close
	CloseReason   CloseReason // Set on close
	MaxHold       time.Duration // Time-limit exit threshold for this position
}

// IsOpen reports whether the position is still being monitored.
func (p *Position) IsOpen() bool {
	return !p.Status.IsTerminal()
}
