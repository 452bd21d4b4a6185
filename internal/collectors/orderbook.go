package collectors

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/models"
)

// OrderbookCollector consumes the l2Book channel with a save-on-change
// policy: the latest snapshot is always kept in memory, but a snapshot is
// persisted only when the mid moved by priceChangePct against the last saved
// mid, or maxSaveInterval elapsed since the last save. Stop flushes the last
// in-memory snapshot.
type OrderbookCollector struct {
	*base
	symbol          string
	depth           int
	priceChangePct  float64
	maxSaveInterval time.Duration

	smu           sync.Mutex
	latest        *models.OrderBookSnapshot
	lastSavedMid  float64
	lastSavedTime time.Time
}

// NewOrderbookCollector creates an orderbook collector.
func NewOrderbookCollector(bus Publisher, symbol string, depth int, priceChangePct float64, maxSaveInterval time.Duration, flushInterval time.Duration, maxSize int) *OrderbookCollector {
	if depth == 0 {
		depth = 50
	}
	if priceChangePct == 0 {
		priceChangePct = 0.01
	}
	if maxSaveInterval == 0 {
		maxSaveInterval = 600 * time.Second
	}
	return &OrderbookCollector{
		base:            newBase("orderbook_collector", bus, flushInterval, maxSize),
		symbol:          symbol,
		depth:           depth,
		priceChangePct:  priceChangePct,
		maxSaveInterval: maxSaveInterval,
	}
}

// Subscription returns the l2Book channel spec.
func (c *OrderbookCollector) Subscription() hyperliquid.WSSubscription {
	return hyperliquid.WSSubscription{Type: "l2Book", Coin: c.symbol}
}

// Handle is the FrameHandler wired into the WS manager.
func (c *OrderbookCollector) Handle(_ string, data json.RawMessage) {
	if data == nil {
		c.flushLatest()
		c.Stop()
		return
	}
	events := c.HandleMessage(data)
	c.record(len(events))
	c.buffer(events)
}

// Latest returns the most recent in-memory snapshot, saved or not.
func (c *OrderbookCollector) Latest() *models.OrderBookSnapshot {
	c.smu.Lock()
	defer c.smu.Unlock()
	if c.latest == nil {
		return nil
	}
	copied := *c.latest
	return &copied
}

// HandleMessage parses one l2Book frame, updates the in-memory snapshot and
// returns an order_book event only when the save policy passes.
func (c *OrderbookCollector) HandleMessage(data json.RawMessage) []*models.StandardEvent {
	var wire hyperliquid.WireBook
	if err := json.Unmarshal(data, &wire); err != nil {
		log.Debug().Err(err).Str("collector", c.name).Msg("malformed l2Book frame")
		return nil
	}
	if wire.Coin != c.symbol {
		return nil
	}

	snapshot := c.toSnapshot(&wire)

	c.smu.Lock()
	defer c.smu.Unlock()
	c.latest = snapshot

	if !c.shouldSave(snapshot) {
		return nil
	}
	c.lastSavedMid = snapshot.Mid
	c.lastSavedTime = snapshot.Time
	return []*models.StandardEvent{
		models.NewEvent(models.EventOrderBook, c.name, snapshot.Time, *snapshot),
	}
}

// shouldSave implements the save-on-change policy. Callers hold smu.
func (c *OrderbookCollector) shouldSave(s *models.OrderBookSnapshot) bool {
	if c.lastSavedTime.IsZero() {
		return true
	}
	if c.lastSavedMid > 0 {
		move := math.Abs(s.Mid-c.lastSavedMid) / c.lastSavedMid
		if move >= c.priceChangePct {
			return true
		}
	}
	return s.Time.Sub(c.lastSavedTime) >= c.maxSaveInterval
}

func (c *OrderbookCollector) toSnapshot(wire *hyperliquid.WireBook) *models.OrderBookSnapshot {
	snapshot := &models.OrderBookSnapshot{
		Symbol: wire.Coin,
		Time:   time.UnixMilli(wire.Time).UTC(),
		Bids:   convertLevels(wire.Levels[0], c.depth),
		Asks:   convertLevels(wire.Levels[1], c.depth),
	}
	snapshot.ComputeDerived()
	return snapshot
}

// flushLatest persists the last in-memory snapshot regardless of policy.
// Called once on shutdown.
func (c *OrderbookCollector) flushLatest() {
	c.smu.Lock()
	latest := c.latest
	if latest != nil {
		c.lastSavedMid = latest.Mid
		c.lastSavedTime = latest.Time
	}
	c.smu.Unlock()
	if latest == nil {
		return
	}
	c.buffer([]*models.StandardEvent{
		models.NewEvent(models.EventOrderBook, c.name, latest.Time, *latest),
	})
}

func convertLevels(levels []hyperliquid.WireLevel, depth int) []models.BookLevel {
	if len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]models.BookLevel, len(levels))
	for i, l := range levels {
		out[i] = models.BookLevel{Price: l.Px, Size: l.Sz, OrderCount: l.N}
	}
	return out
}
