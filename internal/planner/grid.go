package planner

import (
	"fmt"
	"math"
	"time"

	"dcaGridBot/internal/domain"
)

// ShapeBreakpoint maps a minimum confidence to a grid shape. Higher
// confidence produces more levels with tighter spacing and an upper-weighted
// size distribution; the exact breakpoints are configuration, not invariants.
type ShapeBreakpoint struct {
	MinConfidence   float64
	Levels          int
	SpacingFactor   float64 // Multiplier on the base spacing (<1 = tighter)
	UpperWeightRamp float64 // 0 = uniform sizes, 1 = strong upper weighting
}

// Config holds grid planning parameters.
type Config struct {
	BaseSpacing    float64           // Geometric decay per level (e.g. 0.025 = 2.5%)
	EntryBuffer    float64           // Start the grid this fraction below current price
	SupportSnapTol float64           // Snap a level to a support within this relative distance
	MinLevelSize   float64           // Dollar floor per level
	TakeProfitPct  float64           // Default TP distance above average entry
	StopLossPct    float64           // Default SL distance below average entry
	MaxStopLossPct float64           // Validation bound on SL distance from average entry
	Shapes         []ShapeBreakpoint // Checked in order, first match wins
}

// DefaultConfig returns the documented default planning policy.
func DefaultConfig() Config {
	return Config{
		BaseSpacing:    0.025,
		EntryBuffer:    0.005,
		SupportSnapTol: 0.005,
		MinLevelSize:   10.0,
		TakeProfitPct:  0.04,
		StopLossPct:    0.10,
		MaxStopLossPct: 0.15,
		Shapes: []ShapeBreakpoint{
			{MinConfidence: 0.8, Levels: 5, SpacingFactor: 0.8, UpperWeightRamp: 1.0},
			{MinConfidence: 0.6, Levels: 4, SpacingFactor: 1.0, UpperWeightRamp: 0.5},
			{MinConfidence: 0.0, Levels: 3, SpacingFactor: 1.3, UpperWeightRamp: 0.0},
		},
	}
}

// Planner builds DCA grids. Pure: it never fails, returning an empty grid
// plus a reason when planning is impossible.
type Planner struct {
	cfg Config
}

// New creates a Planner with validated configuration.
func New(cfg Config) (*Planner, error) {
	if cfg.BaseSpacing <= 0 || cfg.BaseSpacing >= 1 {
		return nil, fmt.Errorf("planner: BaseSpacing must be in (0,1)")
	}
	if cfg.TakeProfitPct <= 0 || cfg.StopLossPct <= 0 {
		return nil, fmt.Errorf("planner: TakeProfitPct and StopLossPct must be positive")
	}
	if len(cfg.Shapes) == 0 {
		return nil, fmt.Errorf("planner: at least one shape breakpoint is required")
	}
	for _, sh := range cfg.Shapes {
		if sh.Levels <= 0 {
			return nil, fmt.Errorf("planner: shape level count must be positive")
		}
	}
	return &Planner{cfg: cfg}, nil
}

// Plan produces a grid for the given entry conditions. predicted carries the
// ML exit targets, which override the planner's configured TP/SL percentages
// when present. Returns an empty grid and a reason when totalCapital cannot
// fund a single level.
func (p *Planner) Plan(symbol string, currentPrice, mlConfidence float64, supportLevels []float64, totalCapital float64, predicted *domain.Prediction) (*domain.Grid, string) {
	if currentPrice <= 0 {
		return emptyGrid(symbol), "current price must be positive"
	}
	if totalCapital < p.cfg.MinLevelSize {
		return emptyGrid(symbol), fmt.Sprintf("capital %.2f below minimum level size %.2f", totalCapital, p.cfg.MinLevelSize)
	}

	shape := p.shapeFor(mlConfidence)
	spacing := p.cfg.BaseSpacing * shape.SpacingFactor

	prices := p.levelPrices(currentPrice, spacing, shape.Levels, supportLevels)
	sizes := p.levelSizes(totalCapital, len(prices), shape.UpperWeightRamp)

	levels := make([]domain.Level, len(prices))
	var total float64
	for i := range prices {
		levels[i] = domain.Level{
			Price:    prices[i],
			Size:     sizes[i],
			Quantity: sizes[i] / prices[i],
		}
		total += sizes[i]
	}

	avgEntry := quantityWeightedEntry(levels)

	tpPct, slPct := p.cfg.TakeProfitPct, p.cfg.StopLossPct
	if predicted != nil {
		if predicted.TakeProfitPct > 0 {
			tpPct = predicted.TakeProfitPct
		}
		if predicted.StopLossPct != 0 {
			slPct = math.Abs(predicted.StopLossPct)
		}
	}

	return &domain.Grid{
		Symbol:          symbol,
		Levels:          levels,
		TotalInvestment: total,
		AverageEntry:    avgEntry,
		TakeProfit:      avgEntry * (1 + tpPct),
		StopLoss:        avgEntry * (1 - slPct),
		CreatedAt:       time.Now().UTC(),
	}, ""
}

// Validate checks a planned grid against the available balance and the
// planner's structural constraints. Returns a description of the first
// violation, or ok=true.
func (p *Planner) Validate(grid *domain.Grid, availableBalance float64) (string, bool) {
	if grid == nil || len(grid.Levels) == 0 {
		return "grid has no levels", false
	}
	if grid.TotalInvestment > availableBalance {
		return fmt.Sprintf("total investment %.2f exceeds available balance %.2f", grid.TotalInvestment, availableBalance), false
	}
	for i, lvl := range grid.Levels {
		if lvl.Size < p.cfg.MinLevelSize {
			return fmt.Sprintf("level %d size %.2f below minimum %.2f", i, lvl.Size, p.cfg.MinLevelSize), false
		}
	}
	if grid.AverageEntry > 0 {
		slDist := (grid.AverageEntry - grid.StopLoss) / grid.AverageEntry
		if slDist > p.cfg.MaxStopLossPct {
			return fmt.Sprintf("stop loss distance %.1f%% exceeds maximum %.1f%%", slDist*100, p.cfg.MaxStopLossPct*100), false
		}
	}
	return "", true
}

// shapeFor picks the first breakpoint whose MinConfidence the score meets.
func (p *Planner) shapeFor(confidence float64) ShapeBreakpoint {
	for _, sh := range p.cfg.Shapes {
		if confidence >= sh.MinConfidence {
			return sh
		}
	}
	return p.cfg.Shapes[len(p.cfg.Shapes)-1]
}

// levelPrices generates level prices by geometric decay from a start slightly
// below the current price, snapping to nearby known supports.
func (p *Planner) levelPrices(currentPrice, spacing float64, count int, supports []float64) []float64 {
	prices := make([]float64, 0, count)
	start := currentPrice * (1 - p.cfg.EntryBuffer)
	for i := 0; i < count; i++ {
		price := start * math.Pow(1-spacing, float64(i))
		if snapped, ok := p.snapToSupport(price, supports); ok {
			price = snapped
		}
		prices = append(prices, price)
	}
	return prices
}

// snapToSupport returns the closest support within tolerance of price.
func (p *Planner) snapToSupport(price float64, supports []float64) (float64, bool) {
	best, bestDist := 0.0, math.MaxFloat64
	for _, sup := range supports {
		if sup <= 0 {
			continue
		}
		dist := math.Abs(price-sup) / price
		if dist <= p.cfg.SupportSnapTol && dist < bestDist {
			best, bestDist = sup, dist
		}
	}
	return best, bestDist != math.MaxFloat64
}

// levelSizes splits capital across levels using a normalized linear ramp that
// favors upper levels. ramp=0 yields a uniform split. Sizes are floored at
// MinLevelSize and renormalized if flooring pushes the sum above capital.
func (p *Planner) levelSizes(totalCapital float64, count int, ramp float64) []float64 {
	weights := make([]float64, count)
	var weightSum float64
	for i := 0; i < count; i++ {
		w := 1.0
		if count > 1 {
			// Level 0 is the highest price; the ramp adds weight toward it.
			w = 1.0 + ramp*float64(count-1-i)/float64(count-1)
		}
		weights[i] = w
		weightSum += w
	}

	sizes := make([]float64, count)
	var total float64
	for i := range weights {
		sizes[i] = totalCapital * weights[i] / weightSum
		if sizes[i] < p.cfg.MinLevelSize {
			sizes[i] = p.cfg.MinLevelSize
		}
		total += sizes[i]
	}
	if total > totalCapital {
		scale := totalCapital / total
		for i := range sizes {
			sizes[i] *= scale
		}
	}
	return sizes
}

func quantityWeightedEntry(levels []domain.Level) float64 {
	var cost, qty float64
	for _, lvl := range levels {
		cost += lvl.Price * lvl.Quantity
		qty += lvl.Quantity
	}
	if qty == 0 {
		return 0
	}
	return cost / qty
}

func emptyGrid(symbol string) *domain.Grid {
	return &domain.Grid{Symbol: symbol, Levels: []domain.Level{}, CreatedAt: time.Now().UTC()}
}
