package domain

import "time"

// MarketContext captures the market conditions surrounding a detected setup.
// It is the input to position sizing and is immutable once the setup is created.
type MarketContext struct {
	Regime          MarketRegime    // Prevailing trend classification
	Volatility      VolatilityLevel // Realized volatility bucket
	RelativePerf    float64         // Performance vs. benchmark over the lookback (e.g. -0.08 = 8% behind BTC)
	CapTier         CapTier         // Market-cap tier of the symbol
	BenchmarkSymbol string          // Benchmark used for RelativePerf (informational)
}

// Setup is a detected market condition proposed as a trade opportunity.
// Produced by a Detector; immutable once created.
type Setup struct {
	Symbol        string        // Trading symbol (e.g. "ETHUSDT")
	Strategy      string        // Detector strategy tag (e.g. "price_drop", "breakout")
	TriggerPrice  float64       // Price at which the setup was detected
	DetectedAt    time.Time     // Detection timestamp
	PercentDrop   float64       // Drop from the lookback high that triggered detection (fraction)
	SupportLevels []float64     // Known support prices below the trigger, descending
	Market        MarketContext // Regime/volatility/performance context at detection time
}
