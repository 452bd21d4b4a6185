package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMid(t *testing.T) {
	m := NewMemory()

	price, ts := m.Mid("BTC")
	assert.Zero(t, price)
	assert.True(t, ts.IsZero())

	now := time.Now().UTC()
	m.SetMid("BTC", 42000.5, now)
	price, ts = m.Mid("BTC")
	assert.Equal(t, 42000.5, price)
	assert.Equal(t, now, ts)

	m.SetMid("BTC", 42100, now.Add(time.Second))
	price, _ = m.Mid("BTC")
	assert.Equal(t, 42100.0, price)
}

func TestMemoryScore(t *testing.T) {
	m := NewMemory()

	_, ok := m.Score("0xabc")
	assert.False(t, ok)

	m.SetScore("0xabc", 87.5)
	score, ok := m.Score("0xabc")
	require.True(t, ok)
	assert.Equal(t, 87.5, score)
}

func TestMemoryJSONRoundtrip(t *testing.T) {
	m := NewMemory()

	type signal struct {
		Symbol  string  `json:"symbol"`
		NetBias float64 `json:"net_bias"`
	}

	var out signal
	ok, err := m.GetJSON(SignalKey(), &out)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetJSON(SignalKey(), signal{Symbol: "BTC", NetBias: 0.21}, time.Hour))
	ok, err = m.GetJSON(SignalKey(), &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTC", out.Symbol)
	assert.Equal(t, 0.21, out.NetBias)
}

func TestMemorySetJSONRejectsUnmarshalable(t *testing.T) {
	m := NewMemory()
	assert.Error(t, m.SetJSON("bad", func() {}, time.Hour))
}

func TestMemoryClose(t *testing.T) {
	assert.NoError(t, NewMemory().Close())
}
