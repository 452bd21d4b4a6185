package processors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/cache"
	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/models"
)

func signalConfig() config.SignalConfig {
	return config.SignalConfig{
		BuyThreshold:     0.2,
		EmitBiasDelta:    0.1,
		PositionTTL:      24 * time.Hour,
		MaxTrackedStates: 10_000,
		PriceMaxAge:      5 * time.Minute,
	}
}

type fixedPrice struct {
	price float64
	ts    time.Time
}

func (f fixedPrice) Mid(string) (float64, time.Time) { return f.price, f.ts }

func btcSnapshot(trader string, size float64) *models.TraderPositionsSnapshot {
	return &models.TraderPositionsSnapshot{
		TraderAddress: trader,
		Positions:     []models.Position{{Coin: "BTC", Size: size}},
		Time:          time.Now().UTC(),
	}
}

func TestSmallBiasMovesStaySilentUntilThreshold(t *testing.T) {
	p := NewSignalProcessor(nil, signalConfig(), "BTC", nil, nil)
	now := time.Now().UTC()

	// One long, one short; scores sum to 100 so net bias reads directly.
	require.Nil(t, p.Update(btcSnapshot("0xshort", -1), now))

	p.scores = map[string]float64{"0xlong": 52.5, "0xshort": 47.5}
	assert.Nil(t, p.Update(btcSnapshot("0xlong", 1), now)) // net bias 0.05

	p.scores = map[string]float64{"0xlong": 54.5, "0xshort": 45.5}
	assert.Nil(t, p.Update(btcSnapshot("0xlong", 1), now)) // net bias 0.09

	p.scores = map[string]float64{"0xlong": 60.5, "0xshort": 39.5}
	signal := p.Update(btcSnapshot("0xlong", 1), now) // net bias 0.21
	require.NotNil(t, signal)
	assert.Equal(t, models.RecommendationBuy, signal.Recommendation)
	assert.InDelta(t, 0.21, signal.NetBias, 1e-9)
	assert.InDelta(t, 0.42, signal.Confidence, 1e-9)
	assert.Equal(t, 1, signal.TradersLong)
	assert.Equal(t, 1, signal.TradersShort)
}

func TestEmitsOnRecommendationChange(t *testing.T) {
	p := NewSignalProcessor(nil, signalConfig(), "BTC", nil, nil)
	now := time.Now().UTC()
	p.scores = map[string]float64{"0xa": 100}

	signal := p.Update(btcSnapshot("0xa", 1), now)
	require.NotNil(t, signal)
	assert.Equal(t, models.RecommendationBuy, signal.Recommendation)
	assert.InDelta(t, 1.0, signal.NetBias, 1e-9)

	signal = p.Update(btcSnapshot("0xa", -1), now)
	require.NotNil(t, signal)
	assert.Equal(t, models.RecommendationSell, signal.Recommendation)
	assert.InDelta(t, -1.0, signal.NetBias, 1e-9)
}

func TestUnscoredTradersCarryNoWeight(t *testing.T) {
	p := NewSignalProcessor(nil, signalConfig(), "BTC", nil, nil)
	now := time.Now().UTC()
	p.scores = map[string]float64{"0xscored": 80}

	p.Update(btcSnapshot("0xunscored", 5), now)
	signal := p.Update(btcSnapshot("0xscored", -1), now)
	require.NotNil(t, signal)
	assert.Equal(t, models.RecommendationSell, signal.Recommendation)
	// Only the scored trader counts toward the bias.
	assert.Equal(t, 0, signal.TradersLong)
	assert.Equal(t, 1, signal.TradersShort)
}

func TestPositionsExpireAfterTTL(t *testing.T) {
	cfg := signalConfig()
	cfg.PositionTTL = time.Hour
	p := NewSignalProcessor(nil, cfg, "BTC", nil, nil)
	p.scores = map[string]float64{"0xa": 100, "0xb": 100}

	t0 := time.Now().UTC()
	p.Update(btcSnapshot("0xa", 1), t0)

	signal := p.Update(btcSnapshot("0xb", -1), t0.Add(2*time.Hour))
	require.NotNil(t, signal)
	// 0xa aged out, leaving only the short.
	assert.Equal(t, 0, signal.TradersLong)
	assert.Equal(t, 1, signal.TradersShort)
	assert.Equal(t, models.RecommendationSell, signal.Recommendation)
}

func TestLRUEvictionBeyondCap(t *testing.T) {
	cfg := signalConfig()
	cfg.MaxTrackedStates = 2
	p := NewSignalProcessor(nil, cfg, "BTC", nil, nil)
	now := time.Now().UTC()

	p.Update(btcSnapshot("0xa", 1), now)
	p.Update(btcSnapshot("0xb", 1), now.Add(time.Second))
	p.Update(btcSnapshot("0xc", 1), now.Add(2*time.Second))

	assert.Len(t, p.positions, 2)
	_, hasOldest := p.positions["0xa"]
	assert.False(t, hasOldest)
}

func TestPriceAttachedOnlyWhenFresh(t *testing.T) {
	now := time.Now().UTC()

	fresh := NewSignalProcessor(nil, signalConfig(), "BTC", fixedPrice{42000, now.Add(-time.Minute)}, nil)
	fresh.scores = map[string]float64{"0xa": 100}
	signal := fresh.Update(btcSnapshot("0xa", 1), now)
	require.NotNil(t, signal)
	assert.Equal(t, 42000.0, signal.PriceAtSignal)

	stale := NewSignalProcessor(nil, signalConfig(), "BTC", fixedPrice{42000, now.Add(-time.Hour)}, nil)
	stale.scores = map[string]float64{"0xa": 100}
	signal = stale.Update(btcSnapshot("0xa", 1), now)
	require.NotNil(t, signal)
	assert.Equal(t, 0.0, signal.PriceAtSignal)
}

func TestEmittedSignalMirroredToCache(t *testing.T) {
	mem := cache.NewMemory()
	b := bus.New(nil)
	b.Connect(context.Background())
	defer b.Disconnect()

	p := NewSignalProcessor(b, signalConfig(), "BTC", nil, mem)
	p.scores = map[string]float64{"0xa": 100}

	ev := models.NewEvent(models.EventTraderPositions, "positions_collector", time.Now().UTC(), *btcSnapshot("0xa", 1))
	require.NoError(t, p.handlePositions(context.Background(), ev))

	var got models.AggregatedSignal
	ok, err := mem.GetJSON(cache.SignalKey(), &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RecommendationBuy, got.Recommendation)
	assert.Equal(t, "BTC", got.Symbol)
}

func TestClosedPositionCountsFlat(t *testing.T) {
	p := NewSignalProcessor(nil, signalConfig(), "BTC", nil, nil)
	now := time.Now().UTC()
	p.scores = map[string]float64{"0xa": 100}

	p.Update(btcSnapshot("0xa", 1), now)
	flat := &models.TraderPositionsSnapshot{TraderAddress: "0xa", Time: now}
	signal := p.Update(flat, now)
	require.NotNil(t, signal) // BUY back to NEUTRAL
	assert.Equal(t, models.RecommendationNeutral, signal.Recommendation)
	assert.Equal(t, 1, signal.TradersFlat)
	assert.Equal(t, 0.0, signal.NetBias)
}
