package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"dcaGridBot/internal/adapters/logger"
	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMarketData struct {
	klines map[string][]*domain.Kline
	errFor map[string]error
}

func (m *mockMarketData) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	if err := m.errFor[symbol]; err != nil {
		return nil, err
	}
	return m.klines[symbol], nil
}

func (m *mockMarketData) Ping(ctx context.Context) error { return nil }

func (m *mockMarketData) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

// klinesFromCloses builds candles with highs/lows hugging the closes.
func klinesFromCloses(symbol string, closes []float64) []*domain.Kline {
	out := make([]*domain.Kline, len(closes))
	base := time.Now().UTC().Add(-time.Duration(len(closes)) * time.Hour)
	for i, c := range closes {
		out[i] = &domain.Kline{
			Symbol:    symbol,
			Interval:  "1h",
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			CloseTime: base.Add(time.Duration(i+1) * time.Hour),
			Open:      c,
			High:      c * 1.002,
			Low:       c * 0.998,
			Close:     c,
			Volume:    1000,
			IsFinal:   true,
		}
	}
	return out
}

func flatCloses(n int, value float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func newTestDetector(t *testing.T, market ports.MarketDataSource) *PriceDrop {
	t.Helper()
	d, err := New(market, logger.NewStdLogger(logger.LevelError), DefaultConfig())
	require.NoError(t, err)
	return d
}

func TestDetectSetups_FlagsDrop(t *testing.T) {
	// ETH holds 100 then slides to 93: ~7% off the lookback high.
	closes := append(flatCloses(20, 100), 98, 96, 93)
	market := &mockMarketData{klines: map[string][]*domain.Kline{
		"BTCUSDT": klinesFromCloses("BTCUSDT", flatCloses(23, 50000)),
		"ETHUSDT": klinesFromCloses("ETHUSDT", closes),
	}}
	d := newTestDetector(t, market)

	setups, err := d.DetectSetups(context.Background(), []string{"ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, setups, 1)

	s := setups[0]
	assert.Equal(t, "ETHUSDT", s.Symbol)
	assert.Equal(t, "price_drop", s.Strategy)
	assert.InDelta(t, 93.0, s.TriggerPrice, 1e-9)
	assert.GreaterOrEqual(t, s.PercentDrop, 0.05)
	assert.Equal(t, domain.CapLarge, s.Market.CapTier)
	assert.Equal(t, "BTCUSDT", s.Market.BenchmarkSymbol)
	// ETH fell while the benchmark held flat.
	assert.Less(t, s.Market.RelativePerf, 0.0)
}

func TestDetectSetups_NoSetupBelowThreshold(t *testing.T) {
	closes := append(flatCloses(20, 100), 99, 98) // ~2% drop
	market := &mockMarketData{klines: map[string][]*domain.Kline{
		"BTCUSDT": klinesFromCloses("BTCUSDT", flatCloses(22, 50000)),
		"ETHUSDT": klinesFromCloses("ETHUSDT", closes),
	}}
	d := newTestDetector(t, market)

	setups, err := d.DetectSetups(context.Background(), []string{"ETHUSDT"})
	require.NoError(t, err)
	assert.Empty(t, setups)
}

func TestDetectSetups_BenchmarkFailureAborts(t *testing.T) {
	market := &mockMarketData{
		klines: map[string][]*domain.Kline{},
		errFor: map[string]error{"BTCUSDT": errors.New("rate limited")},
	}
	d := newTestDetector(t, market)

	_, err := d.DetectSetups(context.Background(), []string{"ETHUSDT"})
	assert.ErrorIs(t, err, ports.ErrDetectorFailed)
}

func TestDetectSetups_SymbolFailureSkipped(t *testing.T) {
	dropCloses := append(flatCloses(20, 100), 93)
	market := &mockMarketData{
		klines: map[string][]*domain.Kline{
			"BTCUSDT": klinesFromCloses("BTCUSDT", flatCloses(21, 50000)),
			"SOLUSDT": klinesFromCloses("SOLUSDT", dropCloses),
		},
		errFor: map[string]error{"ETHUSDT": errors.New("timeout")},
	}
	d := newTestDetector(t, market)

	setups, err := d.DetectSetups(context.Background(), []string{"ETHUSDT", "SOLUSDT"})
	require.NoError(t, err)
	require.Len(t, setups, 1)
	assert.Equal(t, "SOLUSDT", setups[0].Symbol)
}

func TestClassifyRegime(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		want   domain.MarketRegime
	}{
		{"flat is neutral", flatCloses(20, 100), domain.RegimeNeutral},
		{"uptrend is bull", []float64{90, 92, 94, 96, 98, 100, 102, 104, 106, 110}, domain.RegimeBull},
		{"downtrend is bear", []float64{110, 106, 104, 102, 100, 98, 96, 94, 92, 90}, domain.RegimeBear},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyRegime(klinesFromCloses("BTCUSDT", tt.closes))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyVolatility(t *testing.T) {
	t.Run("flat closes are low vol", func(t *testing.T) {
		got := classifyVolatility(klinesFromCloses("ETHUSDT", flatCloses(20, 100)))
		assert.Equal(t, domain.VolLow, got)
	})

	t.Run("wild swings are high vol", func(t *testing.T) {
		closes := make([]float64, 20)
		for i := range closes {
			if i%2 == 0 {
				closes[i] = 100
			} else {
				closes[i] = 95
			}
		}
		got := classifyVolatility(klinesFromCloses("ETHUSDT", closes))
		assert.Equal(t, domain.VolHigh, got)
	})
}

func TestSupportLevels(t *testing.T) {
	d := newTestDetector(t, &mockMarketData{})

	// A V-shaped dip: the local low sits below the current price.
	closes := []float64{100, 99, 97, 95, 97, 99, 100, 100, 100, 100, 96}
	supports := d.supportLevels(klinesFromCloses("ETHUSDT", closes), 96)

	require.NotEmpty(t, supports)
	// Nearest first, all below the current price.
	for i, s := range supports {
		assert.Less(t, s, 96.0)
		if i > 0 {
			assert.LessOrEqual(t, s, supports[i-1])
		}
	}
}

func TestCapTier(t *testing.T) {
	assert.Equal(t, domain.CapLarge, capTier("BTCUSDT"))
	assert.Equal(t, domain.CapMid, capTier("LINKUSDT"))
	assert.Equal(t, domain.CapSmall, capTier("OBSCUREUSDT"))
}

func TestNew_Validation(t *testing.T) {
	log := logger.NewStdLogger(logger.LevelError)
	market := &mockMarketData{}

	cfg := DefaultConfig()
	cfg.DropThreshold = 0
	_, err := New(market, log, cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.KlineLimit = 3
	_, err = New(market, log, cfg)
	assert.Error(t, err)
}
