package ports

import (
	"context"
	"time"

	"dcaGridBot/internal/domain"
)

// PriceFeed supplies current prices. An unavailable price is reported as an
// error wrapping ErrPriceUnavailable; callers skip the affected item for the
// current cycle rather than escalating.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// MarketDataSource supplies historical candles for detectors and market
// context derivation.
type MarketDataSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)
	Ping(ctx context.Context) error
	GetServerTime(ctx context.Context) (time.Time, error)
}
