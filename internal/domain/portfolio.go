package domain

// PortfolioState is the aggregate view over all active positions. Read by the
// risk manager before authorizing new signals; updated by the executor on
// position open/close.
type PortfolioState struct {
	PortfolioValue   float64 // Total portfolio value in quote currency
	CurrentExposure  float64 // Dollars committed across open positions
	OpenPositions    int
	AvailableCapital float64 // PortfolioValue - CurrentExposure
	Symbols          []string // Symbols with an open position
}
