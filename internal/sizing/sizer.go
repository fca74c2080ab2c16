package sizing

import (
	"fmt"
	"math"

	"dcaGridBot/internal/domain"
)

// Config holds the sizing policy parameters. The multiplier tables are
// empirically chosen defaults; treat the breakpoints as configuration.
type Config struct {
	BaseSize               float64 // Starting dollar amount before multipliers
	MinOrderSize           float64 // Floor for any nonzero result
	MaxPositionPct         float64 // Cap as a fraction of portfolio value (e.g. 0.10)
	MaxPortfolioExposure   float64 // Total exposure cap as a fraction of portfolio (e.g. 0.50)
	MaxConcurrentPositions int

	// Regime multipliers: wider dislocations in bear markets justify larger
	// averaging-down size.
	RegimeBear    float64
	RegimeNeutral float64
	RegimeBull    float64

	// Volatility multipliers.
	VolHigh   float64
	VolNormal float64
	VolLow    float64

	// Relative-performance multipliers and the thresholds that select them.
	UnderperformMult      float64
	OutperformMult        float64
	UnderperformThreshold float64 // e.g. -0.05: more than 5% behind benchmark
	OutperformThreshold   float64 // e.g. +0.05

	// Market-cap tier multipliers.
	TierLarge float64
	TierMid   float64
	TierSmall float64

	// Confidence multiplier interpolation endpoints.
	ConfidenceFloor   float64 // Multiplier at 0% confidence
	ConfidenceCeiling float64 // Multiplier at 100% confidence

	// Kelly sizing parameters (offline/backtest use).
	KellySafetyFraction float64 // Fraction of full Kelly to use (e.g. 0.25)
	KellyMaxFraction    float64 // Hard clamp on the portfolio fraction (e.g. 0.25)
}

// DefaultConfig returns the documented default sizing policy.
func DefaultConfig() Config {
	return Config{
		BaseSize:               100.0,
		MinOrderSize:           10.0,
		MaxPositionPct:         0.10,
		MaxPortfolioExposure:   0.50,
		MaxConcurrentPositions: 5,
		RegimeBear:             2.0,
		RegimeNeutral:          1.5,
		RegimeBull:             1.0,
		VolHigh:                1.2,
		VolNormal:              1.0,
		VolLow:                 0.8,
		UnderperformMult:       1.3,
		OutperformMult:         0.7,
		UnderperformThreshold:  -0.05,
		OutperformThreshold:    0.05,
		TierLarge:              0.8,
		TierMid:                1.0,
		TierSmall:              1.3,
		ConfidenceFloor:        0.5,
		ConfidenceCeiling:      1.5,
		KellySafetyFraction:    0.25,
		KellyMaxFraction:       0.25,
	}
}

// Breakdown records every factor that produced a size, so an unsizable
// request can explain itself instead of failing.
type Breakdown struct {
	Base            float64
	RegimeMult      float64
	VolatilityMult  float64
	PerformanceMult float64
	TierMult        float64
	ConfidenceMult  float64 // 1.0 when no ML confidence was supplied
	ModelMult       float64 // Model-predicted size multiplier, 1.0 when absent
	RawSize         float64 // Product of base and all multipliers
	CapApplied      string  // Which constraint bounded the result, empty if none
	Reason          string  // Why the size is zero, empty otherwise
	Final           float64
}

// Sizer computes capped dollar position sizes from market context. All
// methods are pure with respect to the receiver's config.
type Sizer struct {
	cfg Config
}

// New creates a Sizer, validating the parts of the config the math depends on.
func New(cfg Config) (*Sizer, error) {
	if cfg.BaseSize <= 0 {
		return nil, fmt.Errorf("sizing: BaseSize must be positive")
	}
	if cfg.MaxConcurrentPositions <= 0 {
		return nil, fmt.Errorf("sizing: MaxConcurrentPositions must be positive")
	}
	if cfg.MaxPositionPct <= 0 || cfg.MaxPositionPct > 1 {
		return nil, fmt.Errorf("sizing: MaxPositionPct must be in (0,1]")
	}
	if cfg.MaxPortfolioExposure <= 0 || cfg.MaxPortfolioExposure > 1 {
		return nil, fmt.Errorf("sizing: MaxPortfolioExposure must be in (0,1]")
	}
	if cfg.ConfidenceCeiling < cfg.ConfidenceFloor {
		return nil, fmt.Errorf("sizing: ConfidenceCeiling must be >= ConfidenceFloor")
	}
	return &Sizer{cfg: cfg}, nil
}

// Size computes the dollar position size for a setup. mlConfidence may be nil
// when ML scoring is disabled; the confidence multiplier is then skipped.
// modelMultiplier is the model-predicted size multiplier, ignored when not
// positive. It joins the composition before the constraint chain so the caps
// bound the final size no matter how aggressive the prediction is.
// Never returns an error: an unsizable request returns zero with the
// breakdown explaining why.
func (s *Sizer) Size(symbol string, portfolioValue float64, market domain.MarketContext, mlConfidence *float64, modelMultiplier float64, openPositionCount int) (float64, Breakdown) {
	b := Breakdown{
		Base:            s.cfg.BaseSize,
		RegimeMult:      s.regimeMultiplier(market.Regime),
		VolatilityMult:  s.volatilityMultiplier(market.Volatility),
		PerformanceMult: s.performanceMultiplier(market.RelativePerf),
		TierMult:        s.tierMultiplier(market.CapTier),
		ConfidenceMult:  1.0,
		ModelMult:       1.0,
	}
	if mlConfidence != nil {
		b.ConfidenceMult = s.confidenceMultiplier(*mlConfidence)
	}
	if modelMultiplier > 0 {
		b.ModelMult = modelMultiplier
	}
	b.RawSize = b.Base * b.RegimeMult * b.VolatilityMult * b.PerformanceMult * b.TierMult * b.ConfidenceMult * b.ModelMult

	// Constraint (a): no free position slot.
	if openPositionCount >= s.cfg.MaxConcurrentPositions {
		b.Reason = fmt.Sprintf("max concurrent positions reached (%d/%d)", openPositionCount, s.cfg.MaxConcurrentPositions)
		b.Final = 0
		return 0, b
	}

	size := b.RawSize

	// Constraint (b): per-position cap.
	if maxPos := portfolioValue * s.cfg.MaxPositionPct; size > maxPos {
		size = maxPos
		b.CapApplied = "max_position_pct"
	}

	// Constraint (c): even split of the total exposure budget across slots.
	if perSlot := portfolioValue * s.cfg.MaxPortfolioExposure / float64(s.cfg.MaxConcurrentPositions); size > perSlot {
		size = perSlot
		b.CapApplied = "exposure_per_slot"
	}

	// Constraint (d): minimum order size floor on nonzero results.
	if size > 0 && size < s.cfg.MinOrderSize {
		size = s.cfg.MinOrderSize
		b.CapApplied = "min_order_floor"
	}
	if size <= 0 {
		b.Reason = "computed size is zero"
		size = 0
	}

	b.Final = size
	return size, b
}

// KellySize computes a fractional-Kelly dollar size for offline/backtest use.
// winProb is the win probability, avgWin/avgLoss the average win and loss
// magnitudes (both positive). Degenerate inputs produce zero.
func (s *Sizer) KellySize(portfolioValue, winProb, avgWin, avgLoss float64) float64 {
	if portfolioValue <= 0 || avgWin <= 0 || avgLoss <= 0 || winProb <= 0 || winProb >= 1 {
		return 0
	}
	payoff := avgWin / avgLoss
	kelly := winProb - (1-winProb)/payoff
	if kelly <= 0 {
		return 0
	}
	fraction := kelly * s.cfg.KellySafetyFraction
	fraction = math.Min(fraction, s.cfg.KellyMaxFraction)
	size := portfolioValue * fraction
	if size < s.cfg.MinOrderSize {
		return s.cfg.MinOrderSize
	}
	return size
}

func (s *Sizer) regimeMultiplier(regime domain.MarketRegime) float64 {
	switch regime {
	case domain.RegimeBear:
		return s.cfg.RegimeBear
	case domain.RegimeBull:
		return s.cfg.RegimeBull
	default:
		return s.cfg.RegimeNeutral
	}
}

func (s *Sizer) volatilityMultiplier(vol domain.VolatilityLevel) float64 {
	switch vol {
	case domain.VolHigh:
		return s.cfg.VolHigh
	case domain.VolLow:
		return s.cfg.VolLow
	default:
		return s.cfg.VolNormal
	}
}

func (s *Sizer) performanceMultiplier(relPerf float64) float64 {
	switch {
	case relPerf <= s.cfg.UnderperformThreshold:
		return s.cfg.UnderperformMult
	case relPerf >= s.cfg.OutperformThreshold:
		return s.cfg.OutperformMult
	default:
		return 1.0
	}
}

func (s *Sizer) tierMultiplier(tier domain.CapTier) float64 {
	switch tier {
	case domain.CapLarge:
		return s.cfg.TierLarge
	case domain.CapSmall:
		return s.cfg.TierSmall
	default:
		return s.cfg.TierMid
	}
}

// confidenceMultiplier interpolates linearly between the configured floor at
// 0% confidence and ceiling at 100% confidence. Out-of-range confidence is
// clamped first.
func (s *Sizer) confidenceMultiplier(confidence float64) float64 {
	c := math.Max(0, math.Min(1, confidence))
	return s.cfg.ConfidenceFloor + (s.cfg.ConfidenceCeiling-s.cfg.ConfidenceFloor)*c
}
