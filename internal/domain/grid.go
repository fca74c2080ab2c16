package domain

import (
	"math"
	"time"
)

// Level is one staged buy level of a DCA grid.
type Level struct {
	Price    float64   // Limit price of the level
	Size     float64   // Dollar amount allocated to the level
	Quantity float64   // Size / Price
	Filled   bool      // Whether the level's order has filled
	FilledAt time.Time // Fill timestamp (zero when unfilled)
}

// Grid is an ordered sequence of staged buy levels used to average into a
// position as price moves against the initial entry. Levels are ordered from
// highest price to lowest. Immutable once levels begin filling, except for
// per-level fill-status updates.
type Grid struct {
	Symbol          string
	Levels          []Level
	TotalInvestment float64 // Sum of level sizes
	AverageEntry    float64 // Quantity-weighted mean of level prices
	TakeProfit      float64 // Exit price above average entry
	StopLoss        float64 // Exit price below average entry
	CreatedAt       time.Time
}

// Reconciles reports whether the sum of level sizes matches TotalInvestment
// within relative tolerance. Used to quarantine corrupt grids.
func (g *Grid) Reconciles(relTol float64) bool {
	var sum float64
	for _, lvl := range g.Levels {
		sum += lvl.Size
	}
	if g.TotalInvestment == 0 {
		return sum == 0
	}
	return math.Abs(sum-g.TotalInvestment)/math.Abs(g.TotalInvestment) <= relTol
}

// FilledVWAP returns the volume-weighted average entry price and the total
// quantity across filled levels only. Returns (0, 0) when nothing has filled.
func (g *Grid) FilledVWAP() (avgPrice, totalQty float64) {
	var cost float64
	for _, lvl := range g.Levels {
		if lvl.Filled {
			cost += lvl.Price * lvl.Quantity
			totalQty += lvl.Quantity
		}
	}
	if totalQty == 0 {
		return 0, 0
	}
	return cost / totalQty, totalQty
}
