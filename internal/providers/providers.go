// Package providers implements the aux HTTP fetchers (fear & greed index,
// CBBI, Blockchain.info stats). Each provider exposes a single Fetch that
// the scheduler calls on its interval; the shared client carries the rate
// limit manager and a circuit breaker.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/whalewatch/whalewatch/internal/models"
	"github.com/whalewatch/whalewatch/internal/net/backoff"
	"github.com/whalewatch/whalewatch/internal/net/ratelimit"
)

// Default endpoints.
const (
	DefaultFearGreedURL  = "https://api.alternative.me/fng/?limit=1"
	DefaultCBBIURL       = "https://colintalkscrypto.com/cbbi/data/latest.json"
	DefaultBlockchainURL = "https://api.blockchain.info/stats"
)

// Provider fetches one external metric and wraps it as an event.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (*models.StandardEvent, error)
}

// fetcher is the shared HTTP machinery behind every provider.
type fetcher struct {
	name    string
	url     string
	http    *resty.Client
	limiter *ratelimit.Manager
	breaker *gobreaker.CircuitBreaker
}

func newFetcher(name, url string, timeout time.Duration) *fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &fetcher{
		name:    name,
		url:     url,
		http:    resty.New().SetTimeout(timeout),
		limiter: ratelimit.NewManager(ratelimit.ManagerOptions{BaseDelay: time.Second}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
		}),
	}
}

// get performs the rate-limited, breaker-guarded request and decodes the
// JSON body into out.
func (f *fetcher) get(ctx context.Context, out any) error {
	select {
	case <-time.After(f.limiter.Delay()):
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := f.breaker.Execute(func() (any, error) {
		resp, err := f.http.R().SetContext(ctx).SetResult(out).Get(f.url)
		if err != nil {
			return nil, backoff.Classify(backoff.KindTransient, err)
		}
		return nil, classifyStatus(resp.StatusCode())
	})
	if err != nil {
		f.limiter.RecordError()
		return fmt.Errorf("%s fetch failed: %w", f.name, err)
	}
	f.limiter.RecordSuccess()
	return nil
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return backoff.Classify(backoff.KindRateLimited, fmt.Errorf("status %d", status))
	case status >= 500:
		return backoff.Classify(backoff.KindTransient, fmt.Errorf("status %d", status))
	case status >= 400:
		return backoff.Classify(backoff.KindFatal, fmt.Errorf("status %d", status))
	default:
		return nil
	}
}

// --- Fear & Greed ---

// FearGreed fetches the alternative.me crypto fear & greed index.
type FearGreed struct {
	*fetcher
}

// NewFearGreed creates the fear & greed provider. An empty url selects the
// default endpoint.
func NewFearGreed(url string, timeout time.Duration) *FearGreed {
	if url == "" {
		url = DefaultFearGreedURL
	}
	return &FearGreed{newFetcher("fear_greed", url, timeout)}
}

// Name returns the provider name.
func (p *FearGreed) Name() string { return p.name }

type fngResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
		Timestamp      string `json:"timestamp"`
	} `json:"data"`
}

// Fetch returns the latest index value as an onchain_metric event.
func (p *FearGreed) Fetch(ctx context.Context) (*models.StandardEvent, error) {
	var resp fngResponse
	if err := p.get(ctx, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("fear_greed response carried no data points")
	}
	point := resp.Data[0]
	value, err := strconv.ParseFloat(point.Value, 64)
	if err != nil {
		return nil, backoff.Classify(backoff.KindProtocol, fmt.Errorf("unparseable index value %q", point.Value))
	}
	ts := time.Now().UTC()
	if unix, err := strconv.ParseInt(point.Timestamp, 10, 64); err == nil {
		ts = time.Unix(unix, 0).UTC()
	}
	metric := models.OnchainMetric{
		Provider: p.name,
		Metric:   "fear_greed_index",
		Value:    value,
		Label:    point.Classification,
		Time:     ts,
	}
	return models.NewEvent(models.EventOnchainMetric, p.name, ts, metric), nil
}

// --- CBBI ---

// CBBI fetches the Colin Talks Crypto bitcoin bull run index.
type CBBI struct {
	*fetcher
}

// NewCBBI creates the CBBI provider. An empty url selects the default
// endpoint.
func NewCBBI(url string, timeout time.Duration) *CBBI {
	if url == "" {
		url = DefaultCBBIURL
	}
	return &CBBI{newFetcher("cbbi", url, timeout)}
}

// Name returns the provider name.
func (p *CBBI) Name() string { return p.name }

// Fetch returns the latest confidence score as an onchain_metric event. The
// endpoint serves series keyed by unix timestamp; the newest point wins.
func (p *CBBI) Fetch(ctx context.Context) (*models.StandardEvent, error) {
	var resp struct {
		Confidence map[string]float64 `json:"Confidence"`
	}
	if err := p.get(ctx, &resp); err != nil {
		return nil, err
	}
	var latestKey int64
	var latestValue float64
	for key, value := range resp.Confidence {
		unix, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if unix > latestKey {
			latestKey = unix
			latestValue = value
		}
	}
	if latestKey == 0 {
		return nil, fmt.Errorf("cbbi response carried no confidence points")
	}
	ts := time.Unix(latestKey, 0).UTC()
	metric := models.OnchainMetric{
		Provider: p.name,
		Metric:   "cbbi_confidence",
		Value:    latestValue * 100,
		Time:     ts,
	}
	return models.NewEvent(models.EventOnchainMetric, p.name, ts, metric), nil
}

// --- Blockchain.info ---

// Blockchain fetches network stats from Blockchain.info.
type Blockchain struct {
	*fetcher
}

// NewBlockchain creates the Blockchain.info provider. An empty url selects
// the default endpoint.
func NewBlockchain(url string, timeout time.Duration) *Blockchain {
	if url == "" {
		url = DefaultBlockchainURL
	}
	return &Blockchain{newFetcher("blockchain_info", url, timeout)}
}

// Name returns the provider name.
func (p *Blockchain) Name() string { return p.name }

// Fetch returns the network hash rate as an onchain_metric event.
func (p *Blockchain) Fetch(ctx context.Context) (*models.StandardEvent, error) {
	var resp struct {
		HashRate  float64 `json:"hash_rate"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := p.get(ctx, &resp); err != nil {
		return nil, err
	}
	ts := time.Now().UTC()
	if resp.Timestamp > 0 {
		ts = time.UnixMilli(resp.Timestamp).UTC()
	}
	metric := models.OnchainMetric{
		Provider: p.name,
		Metric:   "hash_rate",
		Value:    resp.HashRate,
		Time:     ts,
	}
	return models.NewEvent(models.EventOnchainMetric, p.name, ts, metric), nil
}
