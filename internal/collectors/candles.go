package collectors

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/models"
)

// CandleCollector consumes the candle WS channel for every configured
// interval of the target symbol and emits ohlcv events. Duplicate
// (symbol, interval, open_time) bars are tolerated by the persistence writer.
type CandleCollector struct {
	*base
	symbol    string
	intervals []string
}

// NewCandleCollector creates a candle collector.
func NewCandleCollector(bus Publisher, symbol string, intervals []string, flushInterval time.Duration, maxSize int) *CandleCollector {
	return &CandleCollector{
		base:      newBase("candle_collector", bus, flushInterval, maxSize),
		symbol:    symbol,
		intervals: intervals,
	}
}

// Subscriptions returns one candle channel spec per configured interval.
func (c *CandleCollector) Subscriptions() []hyperliquid.WSSubscription {
	subs := make([]hyperliquid.WSSubscription, 0, len(c.intervals))
	for _, iv := range c.intervals {
		subs = append(subs, hyperliquid.WSSubscription{Type: "candle", Coin: c.symbol, Interval: iv})
	}
	return subs
}

// Handle is the FrameHandler wired into the WS manager.
func (c *CandleCollector) Handle(_ string, data json.RawMessage) {
	if data == nil {
		c.Stop()
		return
	}
	events := c.HandleMessage(data)
	c.record(len(events))
	c.buffer(events)
}

// HandleMessage transforms one candle frame. Frames for other symbols and
// bars violating the OHLCV ordering invariant are dropped.
func (c *CandleCollector) HandleMessage(data json.RawMessage) []*models.StandardEvent {
	var wire hyperliquid.WireCandle
	if err := json.Unmarshal(data, &wire); err != nil {
		log.Debug().Err(err).Str("collector", c.name).Msg("malformed candle frame")
		return nil
	}
	if wire.S != c.symbol {
		return nil
	}

	candle := models.Candle{
		Symbol:     wire.S,
		Interval:   wire.I,
		OpenTime:   time.UnixMilli(wire.T).UTC(),
		Open:       wire.O,
		High:       wire.H,
		Low:        wire.L,
		Close:      wire.C,
		Volume:     wire.V,
		TradeCount: wire.N,
	}
	if !candle.Valid() {
		log.Warn().
			Str("symbol", candle.Symbol).
			Str("interval", candle.Interval).
			Time("open_time", candle.OpenTime).
			Msg("candle violates OHLC ordering, dropped")
		return nil
	}

	return []*models.StandardEvent{
		models.NewEvent(models.EventOHLCV, c.name, candle.OpenTime, candle),
	}
}
