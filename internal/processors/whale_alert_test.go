package processors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/models"
)

func whaleConfig() config.WhaleConfig {
	return config.WhaleConfig{AlertTTL: time.Hour, DedupWindow: time.Minute}
}

func change(trader string, account, prev, curr float64) *models.PositionChange {
	return &models.PositionChange{
		TraderAddress: trader,
		Coin:          "BTC",
		PrevSize:      prev,
		CurrSize:      curr,
		Delta:         curr - prev,
		Action:        classifyAction(prev, curr),
		AccountValue:  account,
		Time:          time.Now().UTC(),
	}
}

func TestEvaluateTiers(t *testing.T) {
	p := NewWhaleAlertProcessor(nil, whaleConfig(), "BTC")
	now := time.Now().UTC()

	cases := []struct {
		account float64
		tier    models.WhaleTier
	}{
		{15_000_000, models.TierMega},
		{2_000_000, models.TierLarge},
		{150_000, models.TierMid},
	}
	for i, tc := range cases {
		alert := p.Evaluate(change(addr(i), tc.account, 0, 1), now)
		require.NotNil(t, alert, "account %v", tc.account)
		assert.Equal(t, tc.tier, alert.Changes[0].Tier)
	}

	assert.Nil(t, p.Evaluate(change("0xtiny", 50_000, 0, 1), now))
}

func addr(i int) string {
	return string(rune('a'+i)) + "0x"
}

func TestEvaluateIgnoresOtherCoins(t *testing.T) {
	p := NewWhaleAlertProcessor(nil, whaleConfig(), "BTC")
	c := change("0xaaa", 15_000_000, 0, 1)
	c.Coin = "ETH"
	assert.Nil(t, p.Evaluate(c, time.Now().UTC()))
}

func TestPriorityEscalation(t *testing.T) {
	p := NewWhaleAlertProcessor(nil, whaleConfig(), "BTC")
	now := time.Now().UTC()

	// Mega trader moving half the position escalates to CRITICAL.
	alert := p.Evaluate(change("0xmega1", 15_000_000, 10, 4), now)
	require.NotNil(t, alert)
	assert.Equal(t, models.AlertCritical, alert.Priority)

	// A small trim stays HIGH.
	alert = p.Evaluate(change("0xmega2", 15_000_000, 10, 9), now)
	require.NotNil(t, alert)
	assert.Equal(t, models.AlertHigh, alert.Priority)

	alert = p.Evaluate(change("0xlarge", 2_000_000, 10, 1), now)
	require.NotNil(t, alert)
	assert.Equal(t, models.AlertMedium, alert.Priority)

	alert = p.Evaluate(change("0xmid", 150_000, 10, 1), now)
	require.NotNil(t, alert)
	assert.Equal(t, models.AlertLow, alert.Priority)
}

func TestDedupWindowCollapsesRepeats(t *testing.T) {
	p := NewWhaleAlertProcessor(nil, whaleConfig(), "BTC")
	now := time.Now().UTC()

	require.NotNil(t, p.Evaluate(change("0xaaa", 15_000_000, 0, 10), now))

	// Same trader, same action, same order of magnitude: suppressed.
	assert.Nil(t, p.Evaluate(change("0xaaa", 15_000_000, 0, 12), now.Add(10*time.Second)))

	// A different order of magnitude passes the dedup.
	require.NotNil(t, p.Evaluate(change("0xaaa", 15_000_000, 0, 200), now.Add(20*time.Second)))

	// And the original repeats once the window elapses.
	require.NotNil(t, p.Evaluate(change("0xaaa", 15_000_000, 0, 10), now.Add(2*time.Minute)))
}

func TestSignalImpactSignAndMagnitude(t *testing.T) {
	p := NewWhaleAlertProcessor(nil, whaleConfig(), "BTC")
	now := time.Now().UTC()

	alert := p.Evaluate(change("0xmega", 15_000_000, 0, 10), now)
	require.NotNil(t, alert)
	assert.Equal(t, 1.0, alert.SignalImpact)

	alert = p.Evaluate(change("0xlarge", 2_000_000, 10, 2), now)
	require.NotNil(t, alert)
	assert.Equal(t, -0.6, alert.SignalImpact)

	alert = p.Evaluate(change("0xmid", 150_000, 0, 10), now)
	require.NotNil(t, alert)
	assert.Equal(t, 0.3, alert.SignalImpact)
}

func TestPercentChangeFromFlat(t *testing.T) {
	p := NewWhaleAlertProcessor(nil, whaleConfig(), "BTC")
	alert := p.Evaluate(change("0xaaa", 15_000_000, 0, 5), time.Now().UTC())
	require.NotNil(t, alert)
	assert.Equal(t, 100.0, alert.Changes[0].ChangePct)
}

func TestActivePrunesExpiredNewestFirst(t *testing.T) {
	p := NewWhaleAlertProcessor(nil, whaleConfig(), "BTC")
	now := time.Now().UTC()

	p.Evaluate(change("0xold", 15_000_000, 0, 10), now.Add(-2*time.Hour))
	p.Evaluate(change("0xfirst", 2_000_000, 0, 10), now.Add(-10*time.Minute))
	p.Evaluate(change("0xsecond", 150_000, 0, 10), now.Add(-5*time.Minute))

	active := p.Active(now)
	require.Len(t, active, 2)
	assert.Equal(t, "0xsecond", active[0].Changes[0].Address)
	assert.Equal(t, "0xfirst", active[1].Changes[0].Address)
}

func TestExpiredAlertsPrunedOnInsert(t *testing.T) {
	cfg := whaleConfig()
	cfg.AlertTTL = time.Minute
	p := NewWhaleAlertProcessor(nil, cfg, "BTC")
	now := time.Now().UTC()

	// A long-running pipeline inserts alerts over many TTL windows without
	// anyone calling Active; storage must not grow with alert history.
	for i := 0; i < 50; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Minute)
		require.NotNil(t, p.Evaluate(change(addr(i%20)+"x", 15_000_000, 0, 10), at))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.alerts, 1)
}

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 1, priorityRank(models.AlertCritical))
	assert.Equal(t, 2, priorityRank(models.AlertHigh))
	assert.Equal(t, 3, priorityRank(models.AlertMedium))
	assert.Equal(t, 4, priorityRank(models.AlertLow))
}
