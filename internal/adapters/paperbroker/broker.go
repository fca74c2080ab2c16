package paperbroker

import (
	"context"
	"fmt"
	"sync"

	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Broker implements ports.OrderBroker against an in-memory account. Placing a
// buy order reserves its notional from the cash balance; cancelling releases
// the reservation. Balance arithmetic uses decimals so repeated small
// reservations never drift.
type Broker struct {
	mu      sync.Mutex
	balance decimal.Decimal
	orders  map[string]reservation
	logger  ports.Logger
}

type reservation struct {
	symbol   string
	notional decimal.Decimal
}

// Config holds configuration for the paper broker.
type Config struct {
	StartingBalance float64
	Logger          ports.Logger
}

// New creates a paper broker with the given starting cash balance.
func New(cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for paper broker")
	}
	if cfg.StartingBalance <= 0 {
		return nil, fmt.Errorf("starting balance must be positive, got %.2f", cfg.StartingBalance)
	}
	return &Broker{
		balance: decimal.NewFromFloat(cfg.StartingBalance),
		orders:  make(map[string]reservation),
		logger:  cfg.Logger,
	}, nil
}

// Place accepts a limit order if the account can cover its notional.
func (b *Broker) Place(ctx context.Context, order *domain.Order) (*ports.PlacedOrder, error) {
	op := "Place"
	if order == nil || order.Price <= 0 || order.Quantity <= 0 {
		return nil, fmt.Errorf("%s: %w: order requires positive price and quantity", op, ports.ErrInvalidRequest)
	}

	notional := decimal.NewFromFloat(order.Price).Mul(decimal.NewFromFloat(order.Quantity))

	b.mu.Lock()
	defer b.mu.Unlock()

	if order.Side == domain.Buy && notional.GreaterThan(b.balance) {
		b.logger.Warn(ctx, "Paper order rejected, balance too low", map[string]interface{}{
			"symbol":   order.Symbol,
			"notional": notional.StringFixed(2),
			"balance":  b.balance.StringFixed(2),
		})
		return nil, fmt.Errorf("%s: %w: need %s, have %s", op, ports.ErrInsufficientFunds,
			notional.StringFixed(2), b.balance.StringFixed(2))
	}

	brokerOrderID := uuid.NewString()
	if order.Side == domain.Buy {
		b.balance = b.balance.Sub(notional)
		b.orders[brokerOrderID] = reservation{symbol: order.Symbol, notional: notional}
	}

	b.logger.Debug(ctx, "Paper order placed", map[string]interface{}{
		"symbol":        order.Symbol,
		"side":          order.Side,
		"price":         order.Price,
		"quantity":      order.Quantity,
		"brokerOrderID": brokerOrderID,
	})

	return &ports.PlacedOrder{
		BrokerOrderID: brokerOrderID,
		Symbol:        order.Symbol,
		Price:         order.Price,
		Quantity:      order.Quantity,
		Side:          order.Side,
		Status:        domain.OrderPlaced,
	}, nil
}

// Cancel releases the reservation held by a working order.
func (b *Broker) Cancel(ctx context.Context, symbol, brokerOrderID string) error {
	op := "Cancel"
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%s: %w: %s", op, ports.ErrOrderNotFound, brokerOrderID)
	}
	if res.symbol != symbol {
		return fmt.Errorf("%s: %w: order %s belongs to %s, not %s", op, ports.ErrInvalidRequest,
			brokerOrderID, res.symbol, symbol)
	}

	b.balance = b.balance.Add(res.notional)
	delete(b.orders, brokerOrderID)

	b.logger.Debug(ctx, "Paper order cancelled", map[string]interface{}{
		"symbol":        symbol,
		"brokerOrderID": brokerOrderID,
		"released":      res.notional.StringFixed(2),
	})
	return nil
}

// SettleFill consumes the reservation of a filled order. The notional stays
// spent; the executor calls this when it detects a level fill so a later
// close does not refund money that bought the asset.
func (b *Broker) SettleFill(ctx context.Context, symbol, brokerOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[brokerOrderID]; !ok {
		return
	}
	delete(b.orders, brokerOrderID)
	b.logger.Debug(ctx, "Paper fill settled", map[string]interface{}{
		"symbol":        symbol,
		"brokerOrderID": brokerOrderID,
	})
}

// CreditProceeds adds sale proceeds back to the cash balance when a position
// exits.
func (b *Broker) CreditProceeds(ctx context.Context, symbol string, amount float64) {
	if amount <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = b.balance.Add(decimal.NewFromFloat(amount))
	b.logger.Debug(ctx, "Paper proceeds credited", map[string]interface{}{
		"symbol": symbol,
		"amount": amount,
	})
}

// Balance returns the current free cash balance.
func (b *Broker) Balance() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, _ := b.balance.Float64()
	return f
}

// OpenOrderCount returns the number of working reservations.
func (b *Broker) OpenOrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}
