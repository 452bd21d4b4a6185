// Package hyperliquid contains the wire types and HTTP client for the
// Hyperliquid info endpoint and WebSocket feeds.
package hyperliquid

import (
	"encoding/json"
	"fmt"
)

// InfoRequest is the shared envelope for info endpoint requests.
type InfoRequest struct {
	Type string      `json:"type"`
	Req  interface{} `json:"req,omitempty"`
	User string      `json:"user,omitempty"`
	Coin string      `json:"coin,omitempty"`
}

// CandleSnapshotRequest carries parameters for the candleSnapshot request.
type CandleSnapshotRequest struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime,omitempty"`
}

// WireCandle mirrors one candle from both the candleSnapshot response and
// the candle WS channel.
type WireCandle struct {
	T int64   `json:"t"`        // open millis
	S string  `json:"s"`        // coin
	I string  `json:"i"`        // interval
	O float64 `json:"o,string"` // open
	C float64 `json:"c,string"` // close
	H float64 `json:"h,string"` // high
	L float64 `json:"l,string"` // low
	V float64 `json:"v,string"` // volume
	N int     `json:"n"`        // trade count
}

// WireTrade is one trade from the trades WS channel. Tid is unique per coin.
type WireTrade struct {
	Coin string  `json:"coin"`
	Side string  `json:"side"` // "B" buy, "A" sell
	Px   float64 `json:"px,string"`
	Sz   float64 `json:"sz,string"`
	Time int64   `json:"time"`
	Tid  int64   `json:"tid"`
	Hash string  `json:"hash"`
}

// WireLevel is a price level in the l2Book channel.
type WireLevel struct {
	Px float64 `json:"px,string"`
	Sz float64 `json:"sz,string"`
	N  int     `json:"n"`
}

// WireBook is an l2Book snapshot. Levels[0] are bids, Levels[1] asks.
type WireBook struct {
	Coin   string         `json:"coin"`
	Levels [2][]WireLevel `json:"levels"`
	Time   int64          `json:"time"`
}

// AllMids maps coin to mid price on the allMids channel.
type AllMids struct {
	Mids map[string]string `json:"mids"`
}

// Leverage is position leverage metadata.
type Leverage struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// WirePosition is one perp position inside a clearinghouse state. Szi is
// signed: positive long, negative short.
type WirePosition struct {
	Coin           string   `json:"coin"`
	Szi            float64  `json:"szi,string"`
	EntryPx        *float64 `json:"entryPx,string"`
	PositionValue  float64  `json:"positionValue,string"`
	UnrealizedPnl  float64  `json:"unrealizedPnl,string"`
	Leverage       Leverage `json:"leverage"`
	LiquidationPx  *float64 `json:"liquidationPx,string"`
	MarginUsed     float64  `json:"marginUsed,string"`
	ReturnOnEquity float64  `json:"returnOnEquity,string"`
}

// AssetPosition wraps a position with its mode.
type AssetPosition struct {
	Type     string       `json:"type"`
	Position WirePosition `json:"position"`
}

// MarginSummary aggregates account margin figures.
type MarginSummary struct {
	AccountValue    float64 `json:"accountValue,string"`
	TotalNtlPos     float64 `json:"totalNtlPos,string"`
	TotalMarginUsed float64 `json:"totalMarginUsed,string"`
	TotalRawUsd     float64 `json:"totalRawUsd,string"`
}

// ClearinghouseState is the account snapshot returned by the
// clearinghouseState info request and embedded in webData2 frames.
type ClearinghouseState struct {
	AssetPositions []AssetPosition `json:"assetPositions"`
	MarginSummary  MarginSummary   `json:"marginSummary"`
	Time           int64           `json:"time"`
}

// WebData2 is the per-user WS channel payload carrying the clearinghouse
// state and open orders.
type WebData2 struct {
	User               string             `json:"user"`
	ClearinghouseState ClearinghouseState `json:"clearinghouseState"`
	OpenOrders         []WireOpenOrder    `json:"openOrders"`
	ServerTime         int64              `json:"serverTime"`
}

// WireOpenOrder is one resting order from openOrders or webData2.
type WireOpenOrder struct {
	Coin      string  `json:"coin"`
	Side      string  `json:"side"` // "B" bid, "A" ask
	LimitPx   float64 `json:"limitPx,string"`
	Sz        float64 `json:"sz,string"`
	Oid       int64   `json:"oid"`
	Timestamp int64   `json:"timestamp"`
	OrigSz    float64 `json:"origSz,string"`
}

// WireOrderUpdate is one entry on the orderUpdates WS channel.
type WireOrderUpdate struct {
	Order           WireOpenOrder `json:"order"`
	Status          string        `json:"status"` // open, filled, canceled, rejected
	StatusTimestamp int64         `json:"statusTimestamp"`
	User            string        `json:"user"`
}

// UniverseEntry enumerates tradable assets.
type UniverseEntry struct {
	Name string `json:"name"`
}

// AssetCtx holds per-symbol market context (funding, open interest, volume).
type AssetCtx struct {
	Funding      float64  `json:"funding,string"`
	OpenInterest float64  `json:"openInterest,string"`
	PrevDayPx    float64  `json:"prevDayPx,string"`
	DayNtlVlm    float64  `json:"dayNtlVlm,string"`
	Premium      float64  `json:"premium,string"`
	OraclePx     float64  `json:"oraclePx,string"`
	MarkPx       float64  `json:"markPx,string"`
	MidPx        *float64 `json:"midPx,string"`
}

// MetaAndAssetCtxs pairs the universe with per-asset contexts. The endpoint
// returns a two-element JSON array.
type MetaAndAssetCtxs struct {
	Universe  []UniverseEntry
	AssetCtxs []AssetCtx
}

// UnmarshalJSON accommodates the array-shaped metaAndAssetCtxs payload.
func (m *MetaAndAssetCtxs) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("unexpected metaAndAssetCtxs payload: %d elements", len(raw))
	}
	var meta struct {
		Universe []UniverseEntry `json:"universe"`
	}
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return err
	}
	var ctxs []AssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return err
	}
	m.Universe = meta.Universe
	m.AssetCtxs = ctxs
	return nil
}

// CtxFor returns the asset context for a coin, if the universe lists it.
func (m *MetaAndAssetCtxs) CtxFor(coin string) (AssetCtx, bool) {
	for i, u := range m.Universe {
		if u.Name == coin && i < len(m.AssetCtxs) {
			return m.AssetCtxs[i], true
		}
	}
	return AssetCtx{}, false
}

// LeaderboardWindow is one window performance tuple on the leaderboard.
type LeaderboardWindow struct {
	Pnl float64 `json:"pnl,string"`
	Roi float64 `json:"roi,string"`
	Vlm float64 `json:"vlm,string"`
}

// LeaderboardRow is one trader row of the stats leaderboard. Window
// performances arrive as [name, object] pairs and are decoded lazily.
type LeaderboardRow struct {
	EthAddress   string            `json:"ethAddress"`
	AccountValue float64           `json:"accountValue,string"`
	DisplayName  *string           `json:"displayName"`
	RawWindows   []json.RawMessage `json:"windowPerformances"`
}

// Windows decodes the [window, performance] pairs into a map.
func (r *LeaderboardRow) Windows() (map[string]LeaderboardWindow, error) {
	out := make(map[string]LeaderboardWindow, len(r.RawWindows))
	for _, raw := range r.RawWindows {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return nil, err
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("unexpected window pair of %d elements", len(pair))
		}
		var name string
		if err := json.Unmarshal(pair[0], &name); err != nil {
			return nil, err
		}
		var perf LeaderboardWindow
		if err := json.Unmarshal(pair[1], &perf); err != nil {
			return nil, err
		}
		out[name] = perf
	}
	return out, nil
}

// LeaderboardResponse is the stats leaderboard payload.
type LeaderboardResponse struct {
	LeaderboardRows []LeaderboardRow `json:"leaderboardRows"`
}

// WSFrame is the envelope of every server push on the WebSocket.
type WSFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// WSSubscription describes one channel subscription.
type WSSubscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
	User     string `json:"user,omitempty"`
}

// Key returns a stable identity for subscription bookkeeping.
func (s WSSubscription) Key() string {
	return s.Type + "|" + s.Coin + "|" + s.Interval + "|" + s.User
}

// WSRequest is a subscribe/unsubscribe/ping frame.
type WSRequest struct {
	Method       string          `json:"method"` // subscribe | unsubscribe | ping
	Subscription *WSSubscription `json:"subscription,omitempty"`
}
