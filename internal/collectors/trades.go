package collectors

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/models"
)

// TradesCollector consumes the trades channel, keeps only trades of the
// target symbol whose notional clears the minimum USD value, and drops late
// replay duplicates by tracking the highest trade id seen.
type TradesCollector struct {
	*base
	symbol      string
	minValueUSD float64

	tmu    sync.Mutex
	maxTid int64
}

// NewTradesCollector creates a trades collector.
func NewTradesCollector(bus Publisher, symbol string, minValueUSD float64, flushInterval time.Duration, maxSize int) *TradesCollector {
	if minValueUSD == 0 {
		minValueUSD = 1000
	}
	return &TradesCollector{
		base:        newBase("trades_collector", bus, flushInterval, maxSize),
		symbol:      symbol,
		minValueUSD: minValueUSD,
	}
}

// Subscription returns the trades channel spec.
func (c *TradesCollector) Subscription() hyperliquid.WSSubscription {
	return hyperliquid.WSSubscription{Type: "trades", Coin: c.symbol}
}

// Handle is the FrameHandler wired into the WS manager.
func (c *TradesCollector) Handle(_ string, data json.RawMessage) {
	if data == nil {
		c.Stop()
		return
	}
	events := c.HandleMessage(data)
	c.record(len(events))
	c.buffer(events)
}

// HandleMessage transforms one trades frame (a batch of trades) into trade
// events, applying the symbol, min-notional and replay-dedup filters.
func (c *TradesCollector) HandleMessage(data json.RawMessage) []*models.StandardEvent {
	var wires []hyperliquid.WireTrade
	if err := json.Unmarshal(data, &wires); err != nil {
		log.Debug().Err(err).Str("collector", c.name).Msg("malformed trades frame")
		return nil
	}

	var events []*models.StandardEvent
	for _, w := range wires {
		if w.Coin != c.symbol {
			continue
		}
		usd := w.Px * w.Sz
		if usd < c.minValueUSD {
			continue
		}
		if c.seen(w.Tid) {
			continue
		}

		trade := models.MarketTrade{
			Symbol:   w.Coin,
			Side:     sideFromWire(w.Side),
			Price:    w.Px,
			Size:     w.Sz,
			USDValue: usd,
			TradeID:  w.Tid,
			Time:     time.UnixMilli(w.Time).UTC(),
		}
		events = append(events, models.NewEvent(models.EventTrade, c.name, trade.Time, trade))
	}
	return events
}

// seen records the trade id and reports whether it duplicates an earlier
// one. Replays resend old ids; anything at or below the high-water mark is a
// duplicate.
func (c *TradesCollector) seen(tid int64) bool {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	if tid <= c.maxTid {
		return true
	}
	c.maxTid = tid
	return false
}

func sideFromWire(side string) models.TradeSide {
	if side == "B" {
		return models.SideBuy
	}
	return models.SideSell
}
