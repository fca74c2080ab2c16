package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// SignalStatus represents the lifecycle state of a tracked signal.
type SignalStatus string

const (
	SignalDetected  SignalStatus = "detected"
	SignalAnalyzing SignalStatus = "analyzing"
	SignalApproved  SignalStatus = "approved"
	SignalRejected  SignalStatus = "rejected"
	SignalExecuted  SignalStatus = "executed"
	SignalExpired   SignalStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed from the status.
func (s SignalStatus) IsTerminal() bool {
	switch s {
	case SignalRejected, SignalExecuted, SignalExpired:
		return true
	}
	return false
}

// PositionStatus represents the status of an executed grid position.
type PositionStatus string

const (
	PositionPending    PositionStatus = "pending"
	PositionActive     PositionStatus = "active"
	PositionClosing    PositionStatus = "closing"
	PositionClosed     PositionStatus = "closed"
	PositionStoppedOut PositionStatus = "stopped_out"
	PositionTakeProfit PositionStatus = "take_profit"
)

// IsTerminal reports whether the position has been finalized.
func (s PositionStatus) IsTerminal() bool {
	switch s {
	case PositionClosed, PositionStoppedOut, PositionTakeProfit:
		return true
	}
	return false
}

// OrderStatus represents the status of one staged grid-level order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPlaced          OrderStatus = "PLACED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderFailed          OrderStatus = "FAILED"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonTimeLimit  CloseReason = "TIME_LIMIT"
	CloseReasonManual     CloseReason = "MANUAL"
)

// MarketRegime is the prevailing trend classification used to scale risk-taking.
type MarketRegime string

const (
	RegimeBear    MarketRegime = "bear"
	RegimeNeutral MarketRegime = "neutral"
	RegimeBull    MarketRegime = "bull"
)

// VolatilityLevel buckets realized volatility.
type VolatilityLevel string

const (
	VolLow    VolatilityLevel = "low"
	VolNormal VolatilityLevel = "normal"
	VolHigh   VolatilityLevel = "high"
)

// CapTier buckets a symbol by market capitalization.
type CapTier string

const (
	CapLarge CapTier = "large"
	CapMid   CapTier = "mid"
	CapSmall CapTier = "small"
)
