package collectors

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/models"
)

// TraderOrdersCollector holds one orderUpdates subscription per tracked
// trader and emits trader_order events. Actions are derived by diffing
// incoming updates against the previously observed per-trader order map
// keyed by order id. The tracked set is mutated only through Reconcile.
type TraderOrdersCollector struct {
	*base
	symbol string
	subs   ChannelSubscriber

	tmu     sync.Mutex
	tracked map[string]bool // lowercase address -> subscribed

	omu  sync.Mutex
	open map[string]map[int64]hyperliquid.WireOpenOrder // trader -> oid -> order
}

// NewTraderOrdersCollector creates a trader orders collector.
func NewTraderOrdersCollector(bus Publisher, subs ChannelSubscriber, symbol string, flushInterval time.Duration, maxSize int) *TraderOrdersCollector {
	return &TraderOrdersCollector{
		base:    newBase("trader_orders_collector", bus, flushInterval, maxSize),
		symbol:  symbol,
		subs:    subs,
		tracked: make(map[string]bool),
		open:    make(map[string]map[int64]hyperliquid.WireOpenOrder),
	}
}

// Subscription returns the orderUpdates channel spec for one trader.
func (c *TraderOrdersCollector) Subscription(user string) hyperliquid.WSSubscription {
	return hyperliquid.WSSubscription{Type: "orderUpdates", User: user}
}

// Tracked returns the sorted set of currently subscribed addresses.
func (c *TraderOrdersCollector) Tracked() []string {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	out := make([]string, 0, len(c.tracked))
	for addr := range c.tracked {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Reconcile drives the tracked set to match addrs: new addresses get a
// subscribe frame, dropped ones an unsubscribe frame. Returns the deltas.
func (c *TraderOrdersCollector) Reconcile(addrs []string) (added, removed []string) {
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[strings.ToLower(a)] = true
	}

	c.tmu.Lock()
	defer c.tmu.Unlock()

	for addr := range want {
		if !c.tracked[addr] {
			if err := c.subs.Subscribe(c.Subscription(addr), c.Handle); err != nil {
				log.Warn().Err(err).Str("trader", addr).Msg("failed to subscribe order channel")
				continue
			}
			c.tracked[addr] = true
			added = append(added, addr)
		}
	}
	for addr := range c.tracked {
		if !want[addr] {
			if err := c.subs.Unsubscribe(c.Subscription(addr)); err != nil {
				log.Warn().Err(err).Str("trader", addr).Msg("failed to unsubscribe order channel")
			}
			delete(c.tracked, addr)
			removed = append(removed, addr)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Handle is the FrameHandler wired into the WS manager.
func (c *TraderOrdersCollector) Handle(_ string, data json.RawMessage) {
	if data == nil {
		c.Stop()
		return
	}
	events := c.HandleMessage(data)
	c.record(len(events))
	c.buffer(events)
}

// HandleMessage transforms one orderUpdates frame (a batch of updates) into
// trader_order events for the target symbol.
func (c *TraderOrdersCollector) HandleMessage(data json.RawMessage) []*models.StandardEvent {
	var wires []hyperliquid.WireOrderUpdate
	if err := json.Unmarshal(data, &wires); err != nil {
		log.Debug().Err(err).Str("collector", c.name).Msg("malformed orderUpdates frame")
		return nil
	}

	var events []*models.StandardEvent
	for _, w := range wires {
		if w.Order.Coin != c.symbol {
			continue
		}
		action := c.classify(&w)
		order := models.TraderOrder{
			TraderAddress: w.User,
			OrderID:       w.Order.Oid,
			Coin:          w.Order.Coin,
			Side:          sideFromWire(w.Order.Side),
			LimitPrice:    w.Order.LimitPx,
			Size:          w.Order.Sz,
			Action:        action,
			Time:          time.UnixMilli(w.StatusTimestamp).UTC(),
		}
		events = append(events, models.NewEvent(models.EventTraderOrder, c.name, order.Time, order))
	}
	return events
}

// classify maps an order status onto an action using the per-trader open
// order map: an unseen oid with open status is new; terminal statuses clear
// the map entry.
func (c *TraderOrdersCollector) classify(w *hyperliquid.WireOrderUpdate) models.OrderAction {
	c.omu.Lock()
	defer c.omu.Unlock()

	byTrader, ok := c.open[w.User]
	if !ok {
		byTrader = make(map[int64]hyperliquid.WireOpenOrder)
		c.open[w.User] = byTrader
	}

	switch w.Status {
	case "open":
		byTrader[w.Order.Oid] = w.Order
		return models.OrderNew
	case "filled":
		delete(byTrader, w.Order.Oid)
		return models.OrderFilled
	case "canceled", "marginCanceled":
		delete(byTrader, w.Order.Oid)
		return models.OrderCancelled
	default:
		delete(byTrader, w.Order.Oid)
		return models.OrderClosed
	}
}

// Forget drops per-trader order state when a trader leaves the tracked set.
func (c *TraderOrdersCollector) Forget(trader string) {
	c.omu.Lock()
	delete(c.open, trader)
	c.omu.Unlock()
}
