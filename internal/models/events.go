// Package models defines the StandardEvent envelope and the typed payloads
// carried between collectors, processors and the persistence layer.
package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminates StandardEvent payloads.
type EventType string

const (
	EventTrade           EventType = "trade"
	EventTicker          EventType = "ticker"
	EventOrderBook       EventType = "order_book"
	EventOHLCV           EventType = "ohlcv"
	EventTraderPositions EventType = "trader_positions"
	EventTraderOrder     EventType = "trader_order"
	EventPositionChange  EventType = "position_change"
	EventScoredTraders   EventType = "scored_traders"
	EventSignal          EventType = "signal"
	EventWhaleAlert      EventType = "whale_alert"
	EventOnchainMetric   EventType = "onchain_metric"
	EventLeaderboard     EventType = "leaderboard"
	EventHeartbeat       EventType = "heartbeat"
	EventError           EventType = "error"
)

// DefaultPriority is assigned to events published without an explicit
// priority. Lower values are dispatched first.
const DefaultPriority = 5

// StandardEvent is the sole inter-component message. Payload holds one of the
// typed structs below keyed by Type; Raw is the escape hatch for extension
// event types that downstream consumers may ignore.
type StandardEvent struct {
	EventID          string         `json:"event_id"`
	Type             EventType      `json:"event_type"`
	Timestamp        time.Time      `json:"timestamp"`
	Source           string         `json:"source"`
	Payload          interface{}    `json:"payload,omitempty"`
	Raw              map[string]any `json:"raw,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	ParentEventID    string         `json:"parent_event_id,omitempty"`
	Priority         int            `json:"priority"`
	ProcessedAt      time.Time      `json:"processed_at,omitempty"`
	ProcessingTimeMs float64        `json:"processing_time_ms,omitempty"`
}

// NewEvent creates a source event. The correlation id of a source event is
// its own event id so that derived events can be traced back to it.
func NewEvent(t EventType, source string, ts time.Time, payload interface{}) *StandardEvent {
	id := uuid.NewString()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &StandardEvent{
		EventID:       id,
		Type:          t,
		Timestamp:     ts.UTC(),
		Source:        source,
		Payload:       payload,
		CorrelationID: id,
		Priority:      DefaultPriority,
	}
}

// Derive creates a child event carrying the parent's correlation id and a
// back-pointer to the parent event.
func (e *StandardEvent) Derive(t EventType, source string, payload interface{}) *StandardEvent {
	child := NewEvent(t, source, e.Timestamp, payload)
	child.CorrelationID = e.CorrelationID
	child.ParentEventID = e.EventID
	return child
}

// MarkProcessed stamps processor latency fields. Invariant: for every
// non-source event, Timestamp <= ProcessedAt.
func (e *StandardEvent) MarkProcessed(start time.Time) {
	now := time.Now().UTC()
	e.ProcessedAt = now
	e.ProcessingTimeMs = float64(now.Sub(start).Microseconds()) / 1000.0
}

// TradeSide is the aggressor side of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// MarketTrade is a single executed trade. TradeID is unique per
// (source, symbol) and is the replay-dedup key.
type MarketTrade struct {
	Symbol   string    `json:"symbol"`
	Side     TradeSide `json:"side"`
	Price    float64   `json:"price"`
	Size     float64   `json:"size"`
	USDValue float64   `json:"usd_value"`
	TradeID  int64     `json:"trade_id"`
	Time     time.Time `json:"time"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	OrderCount int     `json:"order_count"`
}

// OrderBookSnapshot is a top-N view of the book with derived liquidity
// metrics. Invariants: Imbalance in [-1, 1], Spread >= 0.
type OrderBookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Time      time.Time   `json:"time"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Mid       float64     `json:"mid"`
	Spread    float64     `json:"spread"`
	BidDepth  float64     `json:"bid_depth"`
	AskDepth  float64     `json:"ask_depth"`
	Imbalance float64     `json:"imbalance"`
}

// ComputeDerived fills Mid, Spread, depths and Imbalance from the levels.
func (s *OrderBookSnapshot) ComputeDerived() {
	if len(s.Bids) > 0 && len(s.Asks) > 0 {
		bestBid := s.Bids[0].Price
		bestAsk := s.Asks[0].Price
		s.Mid = (bestBid + bestAsk) / 2
		s.Spread = bestAsk - bestBid
	}
	s.BidDepth = 0
	s.AskDepth = 0
	for _, l := range s.Bids {
		s.BidDepth += l.Size
	}
	for _, l := range s.Asks {
		s.AskDepth += l.Size
	}
	if total := s.BidDepth + s.AskDepth; total > 0 {
		s.Imbalance = (s.BidDepth - s.AskDepth) / total
	} else {
		s.Imbalance = 0
	}
}

// Candle is one OHLCV bar. Invariants: L <= min(O,C) <= max(O,C) <= H, V >= 0.
type Candle struct {
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	OpenTime   time.Time `json:"open_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int       `json:"trade_count"`
}

// Valid reports whether the bar satisfies the OHLCV ordering invariants.
func (c Candle) Valid() bool {
	lo := c.Open
	hi := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.Close > hi {
		hi = c.Close
	}
	return c.Low <= lo && hi <= c.High && c.Volume >= 0
}

// TickerUpdate is a per-coin mid price change.
type TickerUpdate struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	PrevPrice     float64   `json:"prev_price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Time          time.Time `json:"time"`
}

// Position is one open perp position inside a trader snapshot. Size is
// signed: positive long, negative short.
type Position struct {
	Coin             string  `json:"coin"`
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"entry_price"`
	PositionValue    float64 `json:"position_value"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	Leverage         float64 `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
	MarginUsed       float64 `json:"margin_used"`
}

// TraderPositionsSnapshot is the full account state of one tracked trader.
type TraderPositionsSnapshot struct {
	TraderAddress string     `json:"trader_address"`
	AccountValue  float64    `json:"account_value"`
	TotalNotional float64    `json:"total_notional"`
	MarginUsed    float64    `json:"margin_used"`
	Positions     []Position `json:"positions"`
	BTCExposure   float64    `json:"btc_exposure"`
	Time          time.Time  `json:"time"`
}

// PositionFor returns the position for a coin, if present.
func (s *TraderPositionsSnapshot) PositionFor(coin string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Coin == coin {
			return p, true
		}
	}
	return Position{}, false
}

// PositionDirection is the sign of a position after a change.
type PositionDirection string

const (
	DirectionLong  PositionDirection = "long"
	DirectionShort PositionDirection = "short"
	DirectionFlat  PositionDirection = "flat"
)

// PositionAction classifies a size transition.
type PositionAction string

const (
	ActionOpen     PositionAction = "open"
	ActionClose    PositionAction = "close"
	ActionIncrease PositionAction = "increase"
	ActionDecrease PositionAction = "decrease"
	ActionModify   PositionAction = "modify"
)

// PositionChange is emitted by the position detector for every size
// transition of a tracked trader in the target symbol.
type PositionChange struct {
	TraderAddress string            `json:"trader_address"`
	Coin          string            `json:"coin"`
	PrevSize      float64           `json:"prev_size"`
	CurrSize      float64           `json:"curr_size"`
	Delta         float64           `json:"delta"`
	Direction     PositionDirection `json:"direction"`
	Action        PositionAction    `json:"action"`
	AccountValue  float64           `json:"account_value"`
	Time          time.Time         `json:"time"`
}

// OrderAction classifies a trader order transition.
type OrderAction string

const (
	OrderNew       OrderAction = "new"
	OrderFilled    OrderAction = "filled"
	OrderCancelled OrderAction = "cancelled"
	OrderClosed    OrderAction = "closed"
)

// TraderOrder is a derived order event for a tracked trader.
type TraderOrder struct {
	TraderAddress string      `json:"trader_address"`
	OrderID       int64       `json:"order_id"`
	Coin          string      `json:"coin"`
	Side          TradeSide   `json:"side"`
	LimitPrice    float64     `json:"limit_price"`
	Size          float64     `json:"size"`
	Action        OrderAction `json:"action"`
	Time          time.Time   `json:"time"`
}

// WindowPerformance is pnl/roi/volume over one leaderboard window.
type WindowPerformance struct {
	Pnl    float64 `json:"pnl"`
	Roi    float64 `json:"roi"`
	Volume float64 `json:"volume"`
}

// LeaderboardEntry is one raw leaderboard row before scoring.
type LeaderboardEntry struct {
	Address      string                       `json:"address"`
	AccountValue float64                      `json:"account_value"`
	DisplayName  string                       `json:"display_name,omitempty"`
	Windows      map[string]WindowPerformance `json:"windows"`
}

// Leaderboard is the payload of a leaderboard event.
type Leaderboard struct {
	Entries   []LeaderboardEntry `json:"entries"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// ScoredTrader is one trader after scoring, tagging and filtering.
type ScoredTrader struct {
	Address      string                       `json:"address"`
	Score        float64                      `json:"score"`
	Tags         []string                     `json:"tags"`
	AccountValue float64                      `json:"account_value"`
	Windows      map[string]WindowPerformance `json:"windows"`
}

// ScoredTraders is the payload of a scored_traders event, sorted by score
// descending.
type ScoredTraders struct {
	Traders  []ScoredTrader `json:"traders"`
	ScoredAt time.Time      `json:"scored_at"`
}

// Recommendation is the direction of an aggregated signal.
type Recommendation string

const (
	RecommendationBuy     Recommendation = "BUY"
	RecommendationSell    Recommendation = "SELL"
	RecommendationNeutral Recommendation = "NEUTRAL"
)

// AggregatedSignal is the score-weighted directional exposure of the tracked
// trader population in the target symbol.
type AggregatedSignal struct {
	Symbol         string         `json:"symbol"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	LongBias       float64        `json:"long_bias"`
	ShortBias      float64        `json:"short_bias"`
	NetBias        float64        `json:"net_bias"`
	TradersLong    int            `json:"traders_long"`
	TradersShort   int            `json:"traders_short"`
	TradersFlat    int            `json:"traders_flat"`
	NetExposure    float64        `json:"net_exposure"`
	PriceAtSignal  float64        `json:"price_at_signal"`
	Time           time.Time      `json:"time"`
}

// AlertPriority ranks whale alerts.
type AlertPriority string

const (
	AlertLow      AlertPriority = "LOW"
	AlertMedium   AlertPriority = "MEDIUM"
	AlertHigh     AlertPriority = "HIGH"
	AlertCritical AlertPriority = "CRITICAL"
)

// WhaleTier classifies a trader by account value.
type WhaleTier string

const (
	TierMega  WhaleTier = "MEGA"
	TierLarge WhaleTier = "LARGE"
	TierMid   WhaleTier = "MID"
)

// WhaleChange is one position change inside a whale alert.
type WhaleChange struct {
	Address      string    `json:"address"`
	Tier         WhaleTier `json:"tier"`
	Coin         string    `json:"coin"`
	PrevSize     float64   `json:"prev_size"`
	CurrSize     float64   `json:"curr_size"`
	ChangePct    float64   `json:"change_pct"`
	AccountValue float64   `json:"account_value"`
}

// WhaleAlert is emitted on large position shifts by tier-qualifying traders.
// Active alerts are those whose ExpiresAt lies in the future.
type WhaleAlert struct {
	Priority     AlertPriority `json:"priority"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	DetectedAt   time.Time     `json:"detected_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Changes      []WhaleChange `json:"changes"`
	SignalImpact float64       `json:"signal_impact"`
}

// Active reports whether the alert has not yet expired.
func (a WhaleAlert) Active(now time.Time) bool {
	return now.Before(a.ExpiresAt)
}

// OnchainMetric is a generic aux-provider measurement (fear & greed, CBBI,
// hashrate and the like).
type OnchainMetric struct {
	Provider string    `json:"provider"`
	Metric   string    `json:"metric"`
	Value    float64   `json:"value"`
	Label    string    `json:"label,omitempty"`
	Time     time.Time `json:"time"`
}

// ErrorPayload is attached to error events emitted by processors.
type ErrorPayload struct {
	Component string `json:"component"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
}
