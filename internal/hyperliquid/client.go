package hyperliquid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/whalewatch/whalewatch/internal/net/backoff"
	"github.com/whalewatch/whalewatch/internal/net/ratelimit"
)

// DefaultLeaderboardURL serves the stats leaderboard outside the info
// endpoint.
const DefaultLeaderboardURL = "https://stats-data.hyperliquid.xyz/Mainnet/leaderboard"

// ClientOptions configure the info client.
type ClientOptions struct {
	BaseURL        string
	LeaderboardURL string
	Timeout        time.Duration
	RequestsPerSec float64
	MaxRetries     int
}

// Client talks to the Hyperliquid info endpoint. All requests flow through a
// shared token-bucket limiter and a circuit breaker; transient failures are
// retried with exponential backoff.
type Client struct {
	http        *resty.Client
	limiter     *ratelimit.Limiter
	breaker     *gobreaker.CircuitBreaker
	retryPolicy backoff.Policy
	leaderboard string
}

// NewClient creates an info client.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.hyperliquid.xyz/info"
	}
	if opts.LeaderboardURL == "" {
		opts.LeaderboardURL = DefaultLeaderboardURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 10
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")

	settings := gobreaker.Settings{Name: "hyperliquid-info"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}

	return &Client{
		http:        httpClient,
		limiter:     ratelimit.NewLimiter(opts.RequestsPerSec, int(opts.RequestsPerSec)),
		breaker:     gobreaker.NewCircuitBreaker(settings),
		retryPolicy: backoff.Policy{MaxRetries: opts.MaxRetries, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true},
		leaderboard: opts.LeaderboardURL,
	}
}

// post issues one info request with limiter, breaker and retry applied.
// result must be a pointer resty can unmarshal into.
func (c *Client) post(ctx context.Context, req InfoRequest, result interface{}) error {
	return backoff.Do(ctx, c.retryPolicy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx, "info"); err != nil {
			return backoff.Classify(backoff.KindFatal, err)
		}
		_, err := c.breaker.Execute(func() (interface{}, error) {
			resp, err := c.http.R().
				SetContext(ctx).
				SetBody(req).
				SetResult(result).
				Post("")
			if err != nil {
				return nil, backoff.Classify(backoff.KindTransient, err)
			}
			return nil, classifyStatus(resp.StatusCode())
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return backoff.Classify(backoff.KindTransient, err)
		}
		return err
	})
}

func classifyStatus(code int) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests:
		return backoff.Classify(backoff.KindRateLimited, fmt.Errorf("status %d", code))
	case code >= 500:
		return backoff.Classify(backoff.KindTransient, fmt.Errorf("status %d", code))
	default:
		return backoff.Classify(backoff.KindFatal, fmt.Errorf("status %d", code))
	}
}

// CandleSnapshot fetches historical candles for one coin and interval.
func (c *Client) CandleSnapshot(ctx context.Context, coin, interval string, start, end time.Time) ([]WireCandle, error) {
	req := InfoRequest{
		Type: "candleSnapshot",
		Req: CandleSnapshotRequest{
			Coin:      coin,
			Interval:  interval,
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}
	var candles []WireCandle
	if err := c.post(ctx, req, &candles); err != nil {
		return nil, fmt.Errorf("failed to fetch candle snapshot: %w", err)
	}
	return candles, nil
}

// AllMids fetches current mid prices for every coin.
func (c *Client) AllMids(ctx context.Context) (map[string]string, error) {
	var mids map[string]string
	if err := c.post(ctx, InfoRequest{Type: "allMids"}, &mids); err != nil {
		return nil, fmt.Errorf("failed to fetch all mids: %w", err)
	}
	return mids, nil
}

// MetaAndAssetCtxs fetches the universe with per-asset market context
// (funding, open interest, daily volume).
func (c *Client) MetaAndAssetCtxs(ctx context.Context) (*MetaAndAssetCtxs, error) {
	var meta MetaAndAssetCtxs
	if err := c.post(ctx, InfoRequest{Type: "metaAndAssetCtxs"}, &meta); err != nil {
		return nil, fmt.Errorf("failed to fetch meta and asset ctxs: %w", err)
	}
	return &meta, nil
}

// ClearinghouseState fetches the account snapshot for one trader.
func (c *Client) ClearinghouseState(ctx context.Context, user string) (*ClearinghouseState, error) {
	var state ClearinghouseState
	if err := c.post(ctx, InfoRequest{Type: "clearinghouseState", User: user}, &state); err != nil {
		return nil, fmt.Errorf("failed to fetch clearinghouse state for %s: %w", user, err)
	}
	return &state, nil
}

// OpenOrders fetches resting orders for one trader.
func (c *Client) OpenOrders(ctx context.Context, user string) ([]WireOpenOrder, error) {
	var orders []WireOpenOrder
	if err := c.post(ctx, InfoRequest{Type: "openOrders", User: user}, &orders); err != nil {
		return nil, fmt.Errorf("failed to fetch open orders for %s: %w", user, err)
	}
	return orders, nil
}

// L2Book fetches the current order book for one coin.
func (c *Client) L2Book(ctx context.Context, coin string) (*WireBook, error) {
	var book WireBook
	if err := c.post(ctx, InfoRequest{Type: "l2Book", Coin: coin}, &book); err != nil {
		return nil, fmt.Errorf("failed to fetch l2 book for %s: %w", coin, err)
	}
	return &book, nil
}

// Leaderboard fetches the raw stats leaderboard.
func (c *Client) Leaderboard(ctx context.Context) (*LeaderboardResponse, error) {
	var out LeaderboardResponse
	err := backoff.Do(ctx, c.retryPolicy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx, "leaderboard"); err != nil {
			return backoff.Classify(backoff.KindFatal, err)
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get(c.leaderboard)
		if err != nil {
			return backoff.Classify(backoff.KindTransient, err)
		}
		return classifyStatus(resp.StatusCode())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch leaderboard: %w", err)
	}
	log.Debug().Int("rows", len(out.LeaderboardRows)).Msg("leaderboard fetched")
	return &out, nil
}
