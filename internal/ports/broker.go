package ports

import (
	"context"

	"dcaGridBot/internal/domain"
)

// PlacedOrder is the broker's acknowledgement of a placed order.
type PlacedOrder struct {
	BrokerOrderID string
	Symbol        string
	Price         float64
	Quantity      float64
	Side          domain.OrderSide
	Status        domain.OrderStatus
}

// OrderBroker places and cancels working orders. Implementations may talk to
// a real exchange or a paper-trading backend; the executor treats both the same.
type OrderBroker interface {
	// Place submits a limit order and returns the broker's acknowledgement.
	Place(ctx context.Context, order *domain.Order) (*PlacedOrder, error)
	// Cancel cancels a working order by broker id. Cancelling an order that
	// no longer exists returns an error wrapping ErrOrderNotFound.
	Cancel(ctx context.Context, symbol, brokerOrderID string) error
}

// SettlementBroker is the optional cash-settlement surface of a broker that
// tracks balances itself, such as the paper broker. A live exchange settles
// fills and sale proceeds on its own side, so the executor only notifies
// brokers that implement this interface.
type SettlementBroker interface {
	// SettleFill consumes the reservation of a filled order; the notional
	// stays spent instead of being refundable by a later cancel.
	SettleFill(ctx context.Context, symbol, brokerOrderID string)
	// CreditProceeds adds sale proceeds back to the cash balance.
	CreditProceeds(ctx context.Context, symbol string, amount float64)
}
