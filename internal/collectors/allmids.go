package collectors

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/models"
)

// MidSink receives the latest mid for the target symbol on every change.
// The cache implements it for the signal processor's price lookup.
type MidSink interface {
	SetMid(symbol string, price float64, ts time.Time)
}

// AllMidsCollector consumes the allMids channel and emits a ticker event for
// the target symbol only when its mid actually changed, not on every
// heartbeat frame.
type AllMidsCollector struct {
	*base
	symbol string
	sink   MidSink

	pmu  sync.Mutex
	prev map[string]float64
}

// NewAllMidsCollector creates an all-mids collector. sink may be nil.
func NewAllMidsCollector(bus Publisher, symbol string, sink MidSink, flushInterval time.Duration, maxSize int) *AllMidsCollector {
	return &AllMidsCollector{
		base:   newBase("allmids_collector", bus, flushInterval, maxSize),
		symbol: symbol,
		sink:   sink,
		prev:   make(map[string]float64),
	}
}

// Subscription returns the allMids channel spec.
func (c *AllMidsCollector) Subscription() hyperliquid.WSSubscription {
	return hyperliquid.WSSubscription{Type: "allMids"}
}

// Handle is the FrameHandler wired into the WS manager.
func (c *AllMidsCollector) Handle(_ string, data json.RawMessage) {
	if data == nil {
		c.Stop()
		return
	}
	events := c.HandleMessage(data)
	c.record(len(events))
	c.buffer(events)
}

// HandleMessage parses one allMids frame and emits a ticker event when the
// target symbol's mid changed against the previous frame.
func (c *AllMidsCollector) HandleMessage(data json.RawMessage) []*models.StandardEvent {
	var wire hyperliquid.AllMids
	if err := json.Unmarshal(data, &wire); err != nil {
		log.Debug().Err(err).Str("collector", c.name).Msg("malformed allMids frame")
		return nil
	}

	raw, ok := wire.Mids[c.symbol]
	if !ok {
		return nil
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Debug().Str("mid", raw).Msg("unparseable mid price")
		return nil
	}

	now := time.Now().UTC()

	c.pmu.Lock()
	prev, had := c.prev[c.symbol]
	c.prev[c.symbol] = price
	c.pmu.Unlock()

	if c.sink != nil {
		c.sink.SetMid(c.symbol, price, now)
	}
	if had && prev == price {
		return nil
	}

	update := models.TickerUpdate{
		Symbol:    c.symbol,
		Price:     price,
		PrevPrice: prev,
		Time:      now,
	}
	if had && prev > 0 {
		update.Change = price - prev
		update.ChangePercent = (price - prev) / prev * 100
	}
	return []*models.StandardEvent{
		models.NewEvent(models.EventTicker, c.name, now, update),
	}
}
