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

// ChannelSubscriber is the slice of the WS manager the trader collectors
// need to manage their user-channel subscriptions.
type ChannelSubscriber interface {
	Subscribe(sub hyperliquid.WSSubscription, handler func(channel string, data json.RawMessage)) error
	Unsubscribe(sub hyperliquid.WSSubscription) error
}

// TraderPositionsCollector holds one long-lived webData2 subscription per
// tracked trader and emits trader_positions events. The tracked set is
// mutated only through Reconcile, which the leaderboard job calls; the
// collector serializes subscribe/unsubscribe internally.
type TraderPositionsCollector struct {
	*base
	symbol string
	subs   ChannelSubscriber

	tmu     sync.Mutex
	tracked map[string]bool // lowercase address -> subscribed
}

// NewTraderPositionsCollector creates a trader positions collector.
func NewTraderPositionsCollector(bus Publisher, subs ChannelSubscriber, symbol string, flushInterval time.Duration, maxSize int) *TraderPositionsCollector {
	return &TraderPositionsCollector{
		base:    newBase("trader_positions_collector", bus, flushInterval, maxSize),
		symbol:  symbol,
		subs:    subs,
		tracked: make(map[string]bool),
	}
}

// Tracked returns the sorted set of currently subscribed addresses.
func (c *TraderPositionsCollector) Tracked() []string {
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
func (c *TraderPositionsCollector) Reconcile(addrs []string) (added, removed []string) {
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[strings.ToLower(a)] = true
	}

	c.tmu.Lock()
	defer c.tmu.Unlock()

	for addr := range want {
		if !c.tracked[addr] {
			if err := c.subs.Subscribe(c.userSub(addr), c.Handle); err != nil {
				log.Warn().Err(err).Str("trader", addr).Msg("failed to subscribe trader channel")
				continue
			}
			c.tracked[addr] = true
			added = append(added, addr)
		}
	}
	for addr := range c.tracked {
		if !want[addr] {
			if err := c.subs.Unsubscribe(c.userSub(addr)); err != nil {
				log.Warn().Err(err).Str("trader", addr).Msg("failed to unsubscribe trader channel")
			}
			delete(c.tracked, addr)
			removed = append(removed, addr)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func (c *TraderPositionsCollector) userSub(addr string) hyperliquid.WSSubscription {
	return hyperliquid.WSSubscription{Type: "webData2", User: addr}
}

// Handle is the FrameHandler wired into the WS manager.
func (c *TraderPositionsCollector) Handle(_ string, data json.RawMessage) {
	if data == nil {
		c.Stop()
		return
	}
	events := c.HandleMessage(data)
	c.record(len(events))
	c.buffer(events)
}

// HandleMessage transforms one webData2 frame into a trader_positions event
// carrying the full account snapshot.
func (c *TraderPositionsCollector) HandleMessage(data json.RawMessage) []*models.StandardEvent {
	var wire hyperliquid.WebData2
	if err := json.Unmarshal(data, &wire); err != nil {
		log.Debug().Err(err).Str("collector", c.name).Msg("malformed webData2 frame")
		return nil
	}
	if wire.User == "" {
		return nil
	}

	snapshot := SnapshotFromState(wire.User, &wire.ClearinghouseState)
	return []*models.StandardEvent{
		models.NewEvent(models.EventTraderPositions, c.name, snapshot.Time, *snapshot),
	}
}

// SnapshotFromState converts a clearinghouse state into the semantic
// snapshot, deriving BTC exposure from the signed position sizes.
func SnapshotFromState(user string, state *hyperliquid.ClearinghouseState) *models.TraderPositionsSnapshot {
	snapshot := &models.TraderPositionsSnapshot{
		TraderAddress: strings.ToLower(user),
		AccountValue:  state.MarginSummary.AccountValue,
		TotalNotional: state.MarginSummary.TotalNtlPos,
		MarginUsed:    state.MarginSummary.TotalMarginUsed,
		Time:          time.UnixMilli(state.Time).UTC(),
	}
	if state.Time == 0 {
		snapshot.Time = time.Now().UTC()
	}
	for _, ap := range state.AssetPositions {
		p := ap.Position
		pos := models.Position{
			Coin:          p.Coin,
			Size:          p.Szi,
			PositionValue: p.PositionValue,
			UnrealizedPnl: p.UnrealizedPnl,
			Leverage:      p.Leverage.Value,
			MarginUsed:    p.MarginUsed,
		}
		if p.EntryPx != nil {
			pos.EntryPrice = *p.EntryPx
		}
		if p.LiquidationPx != nil {
			pos.LiquidationPrice = *p.LiquidationPx
		}
		snapshot.Positions = append(snapshot.Positions, pos)
		if p.Coin == "BTC" {
			snapshot.BTCExposure += p.Szi
		}
	}
	return snapshot
}
