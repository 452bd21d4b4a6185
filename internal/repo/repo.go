// Package repo defines the storage abstraction the rest of the pipeline
// writes through. Collections are named logically (trades_btc,
// candles_btc_1m); the Postgres implementation maps each to its own table.
package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/whalewatch/whalewatch/internal/models"
)

// Document is one row in a collection. Symbol, Trader and Time are promoted
// out of the body so the store can index and filter on them; Body holds the
// full payload.
type Document struct {
	ID       int64
	DedupKey string
	Symbol   string
	Trader   string
	Time     time.Time
	Body     any
}

// RangeQuery filters a collection scan. Zero values mean "no constraint".
type RangeQuery struct {
	Start  time.Time
	End    time.Time
	Symbol string
	Trader string
	Desc   bool
	Limit  int
}

// Repository is the contract every storage backend satisfies. Duplicate-key
// conflicts inside InsertMany are absorbed, not surfaced; they are the
// retry-safety mechanism for at-least-once producers.
type Repository interface {
	InsertMany(ctx context.Context, collection string, docs []Document) (inserted int, err error)
	Upsert(ctx context.Context, collection, key string, doc Document) error
	LatestCandle(ctx context.Context, symbol, interval string) (*models.Candle, error)
	Range(ctx context.Context, collection string, q RangeQuery) ([]Document, error)
	Count(ctx context.Context, collection string, q RangeQuery) (int64, error)
	OlderThan(ctx context.Context, collection string, cutoff time.Time, limit int) ([]Document, error)
	DeleteByIDs(ctx context.Context, collection string, ids []int64) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Collection name builders. Symbols are folded to lower case so BTC and btc
// land in the same table.

// Trades returns the trades collection for a symbol.
func Trades(symbol string) string { return "trades_" + strings.ToLower(symbol) }

// Orderbook returns the orderbook collection for a symbol.
func Orderbook(symbol string) string { return "orderbook_" + strings.ToLower(symbol) }

// Candles returns the candle collection for a symbol and interval.
func Candles(symbol, interval string) string {
	return fmt.Sprintf("candles_%s_%s", strings.ToLower(symbol), strings.ToLower(interval))
}

// Ticker returns the ticker collection for a symbol.
func Ticker(symbol string) string { return "ticker_" + strings.ToLower(symbol) }

// Funding returns the funding collection for a symbol.
func Funding(symbol string) string { return "funding_" + strings.ToLower(symbol) }

// OpenInterest returns the open interest collection for a symbol.
func OpenInterest(symbol string) string { return "open_interest_" + strings.ToLower(symbol) }

// Liquidity returns the liquidity collection for a symbol.
func Liquidity(symbol string) string { return "liquidity_" + strings.ToLower(symbol) }

// Liquidations returns the liquidations collection for a symbol.
func Liquidations(symbol string) string { return "liquidations_" + strings.ToLower(symbol) }

// Fixed collection names.
const (
	CollectionTrackedTraders     = "tracked_traders"
	CollectionTraderPositions    = "trader_positions"
	CollectionTraderCurrentState = "trader_current_state"
	CollectionTraderOrders       = "trader_orders"
	CollectionTraderSignals      = "trader_signals"
	CollectionTraderScores       = "trader_scores"
	CollectionSignals            = "signals"
	CollectionLeaderboardHistory = "leaderboard_history"
	CollectionMarkPrices         = "mark_prices"
	CollectionEvents             = "events"
	CollectionOnchainMetrics     = "onchain_metrics"
)

// TrackedTrader is the upserted row describing one member of the tracked
// set. Active flips to false when the trader drops out of the scored top-N;
// the row is kept for history.
type TrackedTrader struct {
	Address      string    `json:"address"`
	Score        float64   `json:"score"`
	Tags         []string  `json:"tags"`
	AccountValue float64   `json:"account_value"`
	Active       bool      `json:"active"`
	FirstSeen    time.Time `json:"first_seen"`
	UpdatedAt    time.Time `json:"updated_at"`
}
