package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/cache"
	"github.com/whalewatch/whalewatch/internal/collectors"
	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/models"
	"github.com/whalewatch/whalewatch/internal/ws"
)

// TestMarketDataCollectorsFlushToBus wires the market data collectors the way
// Run does and checks that a buffered frame reaches the bus on the timer
// flush alone, without the size threshold tripping.
func TestMarketDataCollectorsFlushToBus(t *testing.T) {
	cfg := config.Default()
	cfg.Collector.BufferFlushInterval = 20 * time.Millisecond
	cfg.Collector.BufferMaxSize = 100

	a := &App{
		cfg:   cfg,
		bus:   bus.New(nil),
		cache: cache.NewMemory(),
		wsman: ws.NewManager(ws.Options{URL: "ws://unused"}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.bus.Connect(ctx)
	defer a.bus.Disconnect()

	delivered := make(chan *models.StandardEvent, 1)
	a.bus.Subscribe(string(models.EventTrade), 5, func(_ context.Context, e *models.StandardEvent) error {
		select {
		case delivered <- e:
		default:
		}
		return nil
	})

	require.NoError(t, a.subscribeMarketData(ctx))
	defer func() {
		for _, c := range a.streams {
			c.Stop()
		}
	}()
	require.Len(t, a.streams, 4)

	var trades *collectors.TradesCollector
	for _, c := range a.streams {
		if tc, ok := c.(*collectors.TradesCollector); ok {
			trades = tc
		}
	}
	require.NotNil(t, trades)

	// A single trade stays far below the size threshold; only a running
	// flush worker can move it to the bus.
	trades.Handle("trades", json.RawMessage(
		`[{"coin":"BTC","side":"B","px":"42000","sz":"1","time":1700000000000,"tid":1,"hash":"a"}]`))

	select {
	case e := <-delivered:
		assert.Equal(t, models.EventTrade, e.Type)
		assert.Equal(t, int64(1), e.Payload.(models.MarketTrade).TradeID)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered trade never reached the bus")
	}
}

// TestTrackedSetFansOutReconcile checks that one reconcile pass drives both
// per-trader channels and that membership reads come from the positions side.
func TestTrackedSetFansOutReconcile(t *testing.T) {
	b := bus.New(nil)
	wsman := ws.NewManager(ws.Options{URL: "ws://unused"})
	positions := collectors.NewTraderPositionsCollector(b, wsman, "BTC", time.Minute, 100)
	orders := collectors.NewTraderOrdersCollector(b, wsman, "BTC", time.Minute, 100)
	set := trackedSet{positions: positions, orders: orders}

	added, removed := set.Reconcile([]string{"0xAAA", "0xBBB"})
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, set.Tracked())
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, orders.Tracked())

	// webData2 and orderUpdates both registered per trader.
	assert.Equal(t, 4, wsman.Status().Subscriptions)

	_, removed = set.Reconcile([]string{"0xbbb"})
	assert.Equal(t, []string{"0xaaa"}, removed)
	assert.Equal(t, []string{"0xbbb"}, orders.Tracked())
	assert.Equal(t, 2, wsman.Status().Subscriptions)
}
