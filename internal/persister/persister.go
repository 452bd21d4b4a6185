// Package persister is the sole writer between the event bus and the
// repository. It subscribes to every persistable event type, maps payloads
// onto collection documents with their natural dedup keys, and batches
// writes so bursty streams do not turn into row-at-a-time inserts.
package persister

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/models"
	"github.com/whalewatch/whalewatch/internal/repo"
)

// Options tunes persister batching.
type Options struct {
	FlushInterval time.Duration
	MaxBatch      int
}

func (o *Options) defaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 500
	}
}

// Persister drains events into the repository.
type Persister struct {
	store repo.Repository
	bus   *bus.Bus
	opts  Options

	mu      sync.Mutex
	pending map[string][]repo.Document
	size    int

	subs   []*bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	written uint64
	failed  uint64
}

// New creates a persister writing through the given repository.
func New(b *bus.Bus, store repo.Repository, opts Options) *Persister {
	opts.defaults()
	return &Persister{
		store:   store,
		bus:     b,
		opts:    opts,
		pending: make(map[string][]repo.Document),
	}
}

// Start subscribes to persistable events and launches the flush loop.
// Priority 9 keeps persistence behind the processors on the same events.
func (p *Persister) Start(ctx context.Context) {
	types := []models.EventType{
		models.EventTrade, models.EventOrderBook, models.EventOHLCV,
		models.EventTicker, models.EventTraderPositions, models.EventTraderOrder,
		models.EventPositionChange, models.EventScoredTraders, models.EventSignal,
		models.EventWhaleAlert, models.EventOnchainMetric, models.EventLeaderboard,
	}
	for _, t := range types {
		p.subs = append(p.subs, p.bus.Subscribe(string(t), 9, p.handle))
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.flushLoop(ctx)
}

// Stop unsubscribes and flushes whatever is still buffered.
func (p *Persister) Stop() {
	for _, s := range p.subs {
		s.Unsubscribe()
	}
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.flush(context.Background())
}

// Stats returns written and failed document counts.
func (p *Persister) Stats() (written, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written, p.failed
}

func (p *Persister) flushLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

func (p *Persister) handle(ctx context.Context, event *models.StandardEvent) error {
	docs, upserts := p.mapEvent(event)
	for i := range upserts {
		if err := p.store.Upsert(ctx, upserts[i].collection, upserts[i].key, upserts[i].doc); err != nil {
			log.Warn().Err(err).Str("collection", upserts[i].collection).Msg("upsert failed")
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
		}
	}
	if len(docs) == 0 {
		return nil
	}

	p.mu.Lock()
	for _, d := range docs {
		p.pending[d.collection] = append(p.pending[d.collection], d.doc)
		p.size++
	}
	full := p.size >= p.opts.MaxBatch
	p.mu.Unlock()

	if full {
		p.flush(ctx)
	}
	return nil
}

func (p *Persister) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string][]repo.Document)
	p.size = 0
	p.mu.Unlock()

	for collection, docs := range batch {
		n, err := p.store.InsertMany(ctx, collection, docs)
		p.mu.Lock()
		if err != nil {
			p.failed += uint64(len(docs))
		} else {
			p.written += uint64(n)
		}
		p.mu.Unlock()
		if err != nil {
			log.Error().Err(err).Str("collection", collection).Int("docs", len(docs)).Msg("batch insert failed")
		}
	}
}

type collectionDoc struct {
	collection string
	doc        repo.Document
}

type upsertDoc struct {
	collection string
	key        string
	doc        repo.Document
}

// mapEvent turns one event into append documents and upserts. Unknown or
// non-persistable payload shapes map to nothing.
func (p *Persister) mapEvent(event *models.StandardEvent) ([]collectionDoc, []upsertDoc) {
	switch payload := event.Payload.(type) {
	case models.MarketTrade:
		return []collectionDoc{{repo.Trades(payload.Symbol), repo.Document{
			DedupKey: fmt.Sprintf("%s|%d", payload.Symbol, payload.TradeID),
			Symbol:   payload.Symbol,
			Time:     payload.Time,
			Body:     payload,
		}}}, nil

	case models.OrderBookSnapshot:
		return []collectionDoc{{repo.Orderbook(payload.Symbol), repo.Document{
			Symbol: payload.Symbol,
			Time:   payload.Time,
			Body:   payload,
		}}}, nil

	case models.Candle:
		return []collectionDoc{{repo.Candles(payload.Symbol, payload.Interval), repo.Document{
			DedupKey: fmt.Sprintf("%s|%s|%d", payload.Symbol, payload.Interval, payload.OpenTime.UnixMilli()),
			Symbol:   payload.Symbol,
			Time:     payload.OpenTime,
			Body:     payload,
		}}}, nil

	case models.TickerUpdate:
		doc := repo.Document{Symbol: payload.Symbol, Time: payload.Time, Body: payload}
		return []collectionDoc{
			{repo.Ticker(payload.Symbol), doc},
			{repo.CollectionMarkPrices, doc},
		}, nil

	case models.TraderPositionsSnapshot:
		appendDoc := collectionDoc{repo.CollectionTraderPositions, repo.Document{
			DedupKey: fmt.Sprintf("%s|%d", payload.TraderAddress, payload.Time.UnixMilli()),
			Trader:   payload.TraderAddress,
			Time:     payload.Time,
			Body:     payload,
		}}
		upsert := upsertDoc{repo.CollectionTraderCurrentState, payload.TraderAddress, repo.Document{
			Trader: payload.TraderAddress,
			Time:   payload.Time,
			Body:   payload,
		}}
		return []collectionDoc{appendDoc}, []upsertDoc{upsert}

	case models.TraderOrder:
		return []collectionDoc{{repo.CollectionTraderOrders, repo.Document{
			DedupKey: fmt.Sprintf("%s|%d|%s|%d", payload.TraderAddress, payload.OrderID, payload.Action, payload.Time.UnixMilli()),
			Symbol:   payload.Coin,
			Trader:   payload.TraderAddress,
			Time:     payload.Time,
			Body:     payload,
		}}}, nil

	case models.PositionChange:
		return []collectionDoc{{repo.CollectionTraderSignals, repo.Document{
			Symbol: payload.Coin,
			Trader: payload.TraderAddress,
			Time:   payload.Time,
			Body:   payload,
		}}}, nil

	case models.ScoredTraders:
		docs := make([]collectionDoc, 0, len(payload.Traders))
		for _, t := range payload.Traders {
			docs = append(docs, collectionDoc{repo.CollectionTraderScores, repo.Document{
				DedupKey: fmt.Sprintf("%s|%d", strings.ToLower(t.Address), payload.ScoredAt.UnixMilli()),
				Trader:   strings.ToLower(t.Address),
				Time:     payload.ScoredAt,
				Body:     t,
			}})
		}
		return docs, nil

	case models.AggregatedSignal:
		return []collectionDoc{{repo.CollectionSignals, repo.Document{
			Symbol: payload.Symbol,
			Time:   payload.Time,
			Body:   payload,
		}}}, nil

	case models.WhaleAlert:
		return []collectionDoc{{repo.CollectionEvents, repo.Document{
			DedupKey: event.EventID,
			Time:     payload.DetectedAt,
			Body:     event,
		}}}, nil

	case models.OnchainMetric:
		return []collectionDoc{{repo.CollectionOnchainMetrics, repo.Document{
			DedupKey: fmt.Sprintf("%s|%s|%d", payload.Provider, payload.Metric, payload.Time.UnixMilli()),
			Time:     payload.Time,
			Body:     payload,
		}}}, nil

	case models.Leaderboard:
		return []collectionDoc{{repo.CollectionLeaderboardHistory, repo.Document{
			Time: payload.FetchedAt,
			Body: payload,
		}}}, nil
	}
	return nil, nil
}
