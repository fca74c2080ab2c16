package detector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/ports"
)

const strategyName = "price_drop"

// largeCaps and midCaps classify symbols into market-cap tiers. Anything
// unlisted is treated as small cap and sized down accordingly.
var largeCaps = map[string]bool{
	"BTCUSDT": true, "ETHUSDT": true, "BNBUSDT": true, "SOLUSDT": true, "XRPUSDT": true,
}

var midCaps = map[string]bool{
	"ADAUSDT": true, "AVAXUSDT": true, "DOTUSDT": true, "LINKUSDT": true,
	"MATICUSDT": true, "LTCUSDT": true, "ATOMUSDT": true, "UNIUSDT": true,
}

// PriceDrop implements ports.Detector. It flags a symbol whose last close sits
// at least DropThreshold below its lookback high, and derives the market
// context (regime, volatility, relative performance) from the same candles.
type PriceDrop struct {
	market ports.MarketDataSource
	logger ports.Logger
	cfg    Config
}

// Config holds configuration for the price-drop detector.
type Config struct {
	DropThreshold   float64 // Minimum drop from lookback high (fraction, e.g. 0.05)
	KlineInterval   string  // Candle interval for the lookback window
	KlineLimit      int     // Number of candles in the lookback window
	BenchmarkSymbol string  // Symbol used for regime and relative performance
	MaxSupports     int     // Max support levels reported per setup
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		DropThreshold:   0.05,
		KlineInterval:   "1h",
		KlineLimit:      168,
		BenchmarkSymbol: "BTCUSDT",
		MaxSupports:     5,
	}
}

// New creates a price-drop detector.
func New(market ports.MarketDataSource, logger ports.Logger, cfg Config) (*PriceDrop, error) {
	if market == nil || logger == nil {
		return nil, fmt.Errorf("market data source and logger are required for detector")
	}
	if cfg.DropThreshold <= 0 || cfg.DropThreshold >= 1 {
		return nil, fmt.Errorf("%w: drop threshold must be in (0, 1), got %.4f", ports.ErrConfigurationError, cfg.DropThreshold)
	}
	if cfg.KlineLimit < 10 {
		return nil, fmt.Errorf("%w: kline limit too small: %d", ports.ErrConfigurationError, cfg.KlineLimit)
	}
	if cfg.MaxSupports <= 0 {
		cfg.MaxSupports = 5
	}
	return &PriceDrop{market: market, logger: logger, cfg: cfg}, nil
}

// DetectSetups scans the given symbols for qualifying price drops. A symbol
// whose data cannot be fetched is skipped; the cycle continues with the rest.
func (d *PriceDrop) DetectSetups(ctx context.Context, symbols []string) ([]*domain.Setup, error) {
	op := "DetectSetups"

	benchKlines, err := d.market.GetKlines(ctx, d.cfg.BenchmarkSymbol, d.cfg.KlineInterval, d.cfg.KlineLimit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: benchmark klines for %s: %v", op, ports.ErrDetectorFailed, d.cfg.BenchmarkSymbol, err)
	}
	regime := classifyRegime(benchKlines)
	benchReturn := windowReturn(benchKlines)

	setups := make([]*domain.Setup, 0)
	for _, symbol := range symbols {
		klines, err := d.market.GetKlines(ctx, symbol, d.cfg.KlineInterval, d.cfg.KlineLimit)
		if err != nil {
			d.logger.Warn(ctx, "Skipping symbol, klines unavailable", map[string]interface{}{
				"symbol": symbol,
				"error":  err.Error(),
			})
			continue
		}
		if len(klines) < 10 {
			continue
		}

		current := klines[len(klines)-1].Close
		high := lookbackHigh(klines)
		if high <= 0 || current <= 0 {
			continue
		}
		drop := (high - current) / high
		if drop < d.cfg.DropThreshold {
			continue
		}

		setup := &domain.Setup{
			Symbol:        symbol,
			Strategy:      strategyName,
			TriggerPrice:  current,
			DetectedAt:    time.Now().UTC(),
			PercentDrop:   drop,
			SupportLevels: d.supportLevels(klines, current),
			Market: domain.MarketContext{
				Regime:          regime,
				Volatility:      classifyVolatility(klines),
				RelativePerf:    windowReturn(klines) - benchReturn,
				CapTier:         capTier(symbol),
				BenchmarkSymbol: d.cfg.BenchmarkSymbol,
			},
		}
		setups = append(setups, setup)

		d.logger.Info(ctx, "Price-drop setup detected", map[string]interface{}{
			"symbol":      symbol,
			"price":       current,
			"percentDrop": fmt.Sprintf("%.2f%%", drop*100),
			"regime":      setup.Market.Regime,
			"volatility":  setup.Market.Volatility,
		})
	}
	return setups, nil
}

// lookbackHigh returns the highest high across the window.
func lookbackHigh(klines []*domain.Kline) float64 {
	high := 0.0
	for _, k := range klines {
		if k.High > high {
			high = k.High
		}
	}
	return high
}

// windowReturn returns the fractional close-to-close return over the window.
func windowReturn(klines []*domain.Kline) float64 {
	if len(klines) < 2 || klines[0].Close <= 0 {
		return 0
	}
	return (klines[len(klines)-1].Close - klines[0].Close) / klines[0].Close
}

// classifyRegime compares the last close against the window SMA of the
// benchmark. A 2% band around the mean reads as neutral.
func classifyRegime(klines []*domain.Kline) domain.MarketRegime {
	if len(klines) == 0 {
		return domain.RegimeNeutral
	}
	sum := 0.0
	for _, k := range klines {
		sum += k.Close
	}
	sma := sum / float64(len(klines))
	last := klines[len(klines)-1].Close
	switch {
	case last > sma*1.02:
		return domain.RegimeBull
	case last < sma*0.98:
		return domain.RegimeBear
	default:
		return domain.RegimeNeutral
	}
}

// classifyVolatility buckets the standard deviation of per-candle returns.
func classifyVolatility(klines []*domain.Kline) domain.VolatilityLevel {
	if len(klines) < 3 {
		return domain.VolNormal
	}
	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		if klines[i-1].Close <= 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-klines[i-1].Close)/klines[i-1].Close)
	}
	if len(returns) < 2 {
		return domain.VolNormal
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(len(returns)-1))
	switch {
	case stddev > 0.02:
		return domain.VolHigh
	case stddev < 0.008:
		return domain.VolLow
	default:
		return domain.VolNormal
	}
}

// supportLevels extracts local lows below the current price, nearest first.
func (d *PriceDrop) supportLevels(klines []*domain.Kline, current float64) []float64 {
	lows := make([]float64, 0)
	for i := 1; i < len(klines)-1; i++ {
		low := klines[i].Low
		if low < klines[i-1].Low && low < klines[i+1].Low && low < current {
			lows = append(lows, low)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(lows)))
	if len(lows) > d.cfg.MaxSupports {
		lows = lows[:d.cfg.MaxSupports]
	}
	return lows
}

// capTier maps a symbol to its market-cap tier.
func capTier(symbol string) domain.CapTier {
	switch {
	case largeCaps[symbol]:
		return domain.CapLarge
	case midCaps[symbol]:
		return domain.CapMid
	default:
		return domain.CapSmall
	}
}
