package domain

import "time"

// Prediction holds the ML scorer's per-signal outputs. All values are optional
// as a unit: a signal either has a full prediction or none.
type Prediction struct {
	TakeProfitPct  float64 // Predicted take-profit distance from entry (fraction, positive)
	StopLossPct    float64 // Predicted stop-loss distance from entry (fraction, negative)
	HoldHours      float64 // Predicted optimal holding period
	SizeMultiplier float64 // Model-suggested adjustment on the sized amount
}

// ExpectedValue returns the approval-gate EV for a confidence score:
// takeProfitPct*confidence - |stopLossPct|*(1-confidence).
func (p Prediction) ExpectedValue(confidence float64) float64 {
	sl := p.StopLossPct
	if sl < 0 {
		sl = -sl
	}
	return p.TakeProfitPct*confidence - sl*(1-confidence)
}

// Signal is the tracked, stateful evaluation of one Setup through filtering,
// sizing and planning. Owned exclusively by the lifecycle manager; mutated
// only through state transitions.
type Signal struct {
	ID           string       // Unique identifier (uuid)
	Setup        Setup        // The immutable detected setup
	Status       SignalStatus // Current lifecycle state
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Confidence   *float64    // ML confidence score, nil when scoring is disabled or pending
	Predicted    *Prediction // ML-predicted targets, nil when not scored
	Grid         *Grid       // Planned grid, set once planning succeeds
	PositionID   string      // Resulting position id, set on execution
	RejectReason string      // Populated on rejection
}

// IsExpired reports whether the signal's expiry time has passed.
func (s *Signal) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ConfidenceOrDefault returns the ML confidence, or def when the signal was
// never scored.
func (s *Signal) ConfidenceOrDefault(def float64) float64 {
	if s.Confidence == nil {
		return def
	}
	return *s.Confidence
}
