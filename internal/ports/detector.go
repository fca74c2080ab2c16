package ports

import (
	"context"

	"dcaGridBot/internal/domain"
)

// Detector finds trade setups for a batch of symbols. Implementations carry
// their own heuristics (price drop, breakout, channel boundary) and tag the
// produced setups with a strategy name so the lifecycle stays strategy-agnostic.
type Detector interface {
	// DetectSetups scans the given symbols and returns any setups found.
	// A failed call is treated as "no setups this cycle" by the caller.
	DetectSetups(ctx context.Context, symbols []string) ([]*domain.Setup, error)
}

// MLScore is the scorer's output for one signal.
type MLScore struct {
	Confidence float64           // 0-1 probability the setup is profitable
	Predicted  domain.Prediction // Predicted exit targets and size adjustment
}

// MLScorer estimates the win probability and exit targets for a signal's setup.
type MLScorer interface {
	Score(ctx context.Context, signal *domain.Signal) (*MLScore, error)
}
