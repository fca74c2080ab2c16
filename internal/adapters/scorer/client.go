package scorer

import (
	"context"
	"fmt"
	"time"

	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/ports"

	"github.com/go-resty/resty/v2"
)

// Client implements ports.MLScorer against an HTTP scoring service. Any
// transport or service failure is wrapped in ErrScorerUnavailable so the
// lifecycle can fall back without inspecting the cause.
type Client struct {
	http   *resty.Client
	logger ports.Logger
}

// Config holds configuration for the scorer client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  ports.Logger
}

// scoreRequest is the JSON payload sent to the scoring service.
type scoreRequest struct {
	Symbol        string    `json:"symbol"`
	Strategy      string    `json:"strategy"`
	TriggerPrice  float64   `json:"trigger_price"`
	PercentDrop   float64   `json:"percent_drop"`
	SupportLevels []float64 `json:"support_levels"`
	Regime        string    `json:"regime"`
	Volatility    string    `json:"volatility"`
	RelativePerf  float64   `json:"relative_perf"`
	CapTier       string    `json:"cap_tier"`
}

// scoreResponse is the JSON payload returned by the scoring service.
type scoreResponse struct {
	Confidence     float64 `json:"confidence"`
	TakeProfitPct  float64 `json:"take_profit_pct"`
	StopLossPct    float64 `json:"stop_loss_pct"`
	HoldHours      float64 `json:"hold_hours"`
	SizeMultiplier float64 `json:"size_multiplier"`
}

// New creates a scorer client for the given service URL.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for scorer client")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: scorer base URL is required", ports.ErrConfigurationError)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{http: http, logger: cfg.Logger}, nil
}

// Score posts the signal's setup to the scoring service and returns its
// confidence and predicted exit targets.
func (c *Client) Score(ctx context.Context, signal *domain.Signal) (*ports.MLScore, error) {
	op := "Score"
	if signal == nil {
		return nil, fmt.Errorf("%s: %w: signal is required", op, ports.ErrInvalidRequest)
	}

	req := scoreRequest{
		Symbol:        signal.Setup.Symbol,
		Strategy:      signal.Setup.Strategy,
		TriggerPrice:  signal.Setup.TriggerPrice,
		PercentDrop:   signal.Setup.PercentDrop,
		SupportLevels: signal.Setup.SupportLevels,
		Regime:        string(signal.Setup.Market.Regime),
		Volatility:    string(signal.Setup.Market.Volatility),
		RelativePerf:  signal.Setup.Market.RelativePerf,
		CapTier:       string(signal.Setup.Market.CapTier),
	}

	var out scoreResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/score")
	if err != nil {
		c.logger.Warn(ctx, "Scorer request failed", map[string]interface{}{
			"signalID": signal.ID,
			"symbol":   signal.Setup.Symbol,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("%s: %w: %v", op, ports.ErrScorerUnavailable, err)
	}
	if resp.IsError() {
		c.logger.Warn(ctx, "Scorer returned error status", map[string]interface{}{
			"signalID": signal.ID,
			"symbol":   signal.Setup.Symbol,
			"status":   resp.StatusCode(),
		})
		return nil, fmt.Errorf("%s: %w: status %d", op, ports.ErrScorerUnavailable, resp.StatusCode())
	}

	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("%s: %w: confidence %.4f out of range", op, ports.ErrScorerUnavailable, out.Confidence)
	}

	c.logger.Debug(ctx, "Signal scored", map[string]interface{}{
		"signalID":   signal.ID,
		"symbol":     signal.Setup.Symbol,
		"confidence": out.Confidence,
	})

	return &ports.MLScore{
		Confidence: out.Confidence,
		Predicted: domain.Prediction{
			TakeProfitPct:  out.TakeProfitPct,
			StopLossPct:    out.StopLossPct,
			HoldHours:      out.HoldHours,
			SizeMultiplier: out.SizeMultiplier,
		},
	}, nil
}
