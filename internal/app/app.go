// Package app wires the whole pipeline together and owns its lifecycle:
// repository, cache, bus, processors, WebSocket collectors, persister,
// startup tasks, scheduler and the probe server, brought up in dependency
// order and torn down in reverse.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/archive"
	"github.com/whalewatch/whalewatch/internal/backfill"
	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/cache"
	"github.com/whalewatch/whalewatch/internal/collectors"
	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/httpapi"
	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/jobs"
	"github.com/whalewatch/whalewatch/internal/metrics"
	"github.com/whalewatch/whalewatch/internal/models"
	"github.com/whalewatch/whalewatch/internal/persister"
	"github.com/whalewatch/whalewatch/internal/processors"
	"github.com/whalewatch/whalewatch/internal/providers"
	"github.com/whalewatch/whalewatch/internal/repo"
	"github.com/whalewatch/whalewatch/internal/repo/postgres"
	"github.com/whalewatch/whalewatch/internal/scheduler"
	"github.com/whalewatch/whalewatch/internal/ws"
)

// App is the assembled pipeline.
type App struct {
	cfg *config.Config

	store   repo.Repository
	cache   cache.Cache
	bus     *bus.Bus
	client  *hyperliquid.Client
	wsman   *ws.Manager
	metrics *metrics.Registry
	probe   *httpapi.Server
	sched   *scheduler.Scheduler
	persist *persister.Persister

	detector  *processors.PositionDetector
	scoring   *processors.ScoringProcessor
	signals   *processors.SignalProcessor
	whales    *processors.WhaleAlertProcessor
	positions *collectors.TraderPositionsCollector
	orders    *collectors.TraderOrdersCollector
	streams   []collectors.Collector // market data collectors, built on subscribe
	archiver  *archive.Archiver

	metricSub *bus.Subscription
}

// New assembles the pipeline from configuration. The repository must be
// reachable; anything else degrades rather than fails.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	store, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("repository unavailable: %w", err)
	}
	a.store = store

	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-memory cache")
			a.cache = cache.NewMemory()
		} else {
			a.cache = redisCache
		}
	} else {
		a.cache = cache.NewMemory()
	}

	a.metrics = metrics.New()
	a.bus = bus.New(&bus.Options{
		QueueSize:    cfg.Bus.QueueSize,
		PublishWait:  cfg.Bus.PublishWait,
		DrainTimeout: cfg.Bus.DrainTimeout,
	})

	a.client = hyperliquid.NewClient(hyperliquid.ClientOptions{
		BaseURL:        cfg.Exchange.HTTPURL,
		Timeout:        cfg.Exchange.RequestTimeout,
		RequestsPerSec: cfg.Exchange.RequestsPerSecond,
		MaxRetries:     cfg.Exchange.MaxRetries,
	})

	a.wsman = ws.NewManager(ws.Options{
		URL:               cfg.Exchange.WSURL,
		HeartbeatInterval: cfg.Exchange.HeartbeatInterval,
		ReconnectBase:     cfg.Exchange.ReconnectBaseDelay,
		ReconnectMax:      cfg.Exchange.ReconnectMaxDelay,
		MaxAttempts:       cfg.Exchange.ReconnectMaxAttempts,
	})

	symbol := cfg.Symbol.TargetSymbol
	a.detector = processors.NewPositionDetector(a.bus, symbol)
	a.scoring = processors.NewScoringProcessor(a.bus, cfg.Scoring)
	a.signals = processors.NewSignalProcessor(a.bus, cfg.Signals, symbol, a.cache, a.cache)
	a.whales = processors.NewWhaleAlertProcessor(a.bus, cfg.Whale, symbol)

	flush := cfg.Collector.BufferFlushInterval
	size := cfg.Collector.BufferMaxSize
	a.positions = collectors.NewTraderPositionsCollector(a.bus, a.wsman, symbol, flush, size)
	a.orders = collectors.NewTraderOrdersCollector(a.bus, a.wsman, symbol, flush, size)

	a.persist = persister.New(a.bus, a.store, persister.Options{})
	a.probe = httpapi.New(cfg.HTTP.ListenAddr, a.store, a.metrics.Handler(), a.cache)
	a.sched = scheduler.New(scheduler.Options{
		MisfireGrace:  cfg.Scheduler.MisfireGrace,
		ShutdownGrace: cfg.Scheduler.ShutdownGrace,
	})
	return a, nil
}

// Run starts everything, blocks until ctx is cancelled and then shuts down
// in reverse order.
func (a *App) Run(ctx context.Context) error {
	a.probe.Start()

	a.bus.Connect(ctx)
	a.detector.Attach()
	a.scoring.Attach()
	a.signals.Attach()
	a.whales.Attach()
	a.persist.Start(ctx)
	a.observeMetrics()

	a.positions.Start(ctx)
	a.orders.Start(ctx)
	a.wsman.Start(ctx)
	if err := a.subscribeMarketData(ctx); err != nil {
		return err
	}

	jobSet := a.buildJobs()
	a.runStartupTasks(ctx, jobSet)
	a.registerJobs(jobSet)
	a.sched.Start(ctx)
	go a.syncStats(ctx)
	a.probe.SetReady(true)
	log.Info().Str("symbol", a.cfg.Symbol.TargetSymbol).Msg("pipeline running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	a.probe.SetReady(false)
	a.sched.Stop()
	a.wsman.Stop()
	a.stopCollectors()
	a.persist.Stop()
	a.signals.Detach()
	a.whales.Detach()
	a.scoring.Detach()
	a.detector.Detach()
	if a.metricSub != nil {
		a.metricSub.Unsubscribe()
	}
	a.bus.Disconnect()
	a.cache.Close()
	a.store.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.probe.Stop(stopCtx)
	return nil
}

// subscribeMarketData wires the market data collectors onto their WS
// channels and starts their flush workers.
func (a *App) subscribeMarketData(ctx context.Context) error {
	cfg := a.cfg
	symbol := cfg.Symbol.TargetSymbol
	flush := cfg.Collector.BufferFlushInterval
	size := cfg.Collector.BufferMaxSize

	candles := collectors.NewCandleCollector(a.bus, symbol, cfg.Collector.CandleIntervals, flush, size)
	for _, sub := range candles.Subscriptions() {
		if err := a.wsman.Subscribe(sub, candles.Handle); err != nil {
			return fmt.Errorf("failed to subscribe candles: %w", err)
		}
	}

	book := collectors.NewOrderbookCollector(a.bus, symbol, cfg.Collector.OrderbookDepth,
		cfg.Collector.OrderbookPriceChange, cfg.Collector.OrderbookMaxSaveEvery, flush, size)
	if err := a.wsman.Subscribe(book.Subscription(), book.Handle); err != nil {
		return fmt.Errorf("failed to subscribe orderbook: %w", err)
	}

	trades := collectors.NewTradesCollector(a.bus, symbol, cfg.Collector.TradeMinValueUSD, flush, size)
	if err := a.wsman.Subscribe(trades.Subscription(), trades.Handle); err != nil {
		return fmt.Errorf("failed to subscribe trades: %w", err)
	}

	mids := collectors.NewAllMidsCollector(a.bus, symbol, a.cache, flush, size)
	if err := a.wsman.Subscribe(mids.Subscription(), mids.Handle); err != nil {
		return fmt.Errorf("failed to subscribe mids: %w", err)
	}

	a.streams = []collectors.Collector{candles, book, trades, mids}
	for _, c := range a.streams {
		c.Start(ctx)
	}
	return nil
}

// stopCollectors drains every collector buffer while the bus still accepts
// publishes. Stop is idempotent, so collectors that already saw the WS
// end-of-stream signal flush at most once more.
func (a *App) stopCollectors() {
	for _, c := range a.streams {
		c.Stop()
	}
	a.positions.Stop()
	a.orders.Stop()
}

func (a *App) buildJobs() *jobs.Jobs {
	cfg := a.cfg
	var provs []providers.Provider
	if cfg.Providers.FearGreed.Enabled {
		provs = append(provs, providers.NewFearGreed(cfg.Providers.FearGreed.URL, cfg.Exchange.RequestTimeout))
	}
	if cfg.Providers.CBBI.Enabled {
		provs = append(provs, providers.NewCBBI(cfg.Providers.CBBI.URL, cfg.Exchange.RequestTimeout))
	}
	if cfg.Providers.Blockchain.Enabled {
		provs = append(provs, providers.NewBlockchain(cfg.Providers.Blockchain.URL, cfg.Exchange.RequestTimeout))
	}
	return &jobs.Jobs{
		Cfg:        cfg,
		Client:     a.client,
		Bus:        a.bus,
		Store:      a.store,
		Cache:      a.cache,
		WS:         a.wsman,
		Scoring:    a.scoring,
		Tracked:    trackedSet{positions: a.positions, orders: a.orders},
		Forgetters: []jobs.Forgetter{a.orders, a.detector},
		Providers:  provs,
	}
}

// trackedSet fans tracked-trader reconciliation across the collectors that
// each hold one user channel per trader. The positions collector is the
// source of truth for membership; the orders collector follows it.
type trackedSet struct {
	positions *collectors.TraderPositionsCollector
	orders    *collectors.TraderOrdersCollector
}

func (t trackedSet) Reconcile(addrs []string) (added, removed []string) {
	added, removed = t.positions.Reconcile(addrs)
	t.orders.Reconcile(addrs)
	return added, removed
}

func (t trackedSet) Tracked() []string { return t.positions.Tracked() }

// runStartupTasks performs the one-shot fetches before the scheduler takes
// over. Failures are logged, not fatal; the periodic jobs will retry.
func (a *App) runStartupTasks(ctx context.Context, jobSet *jobs.Jobs) {
	if err := jobSet.UpdateTicker(ctx); err != nil {
		log.Warn().Err(err).Msg("initial ticker fetch failed")
	}
	filler := backfill.New(a.client, a.store, a.cfg.Symbol.TargetSymbol, a.cfg.Backfill)
	if err := filler.Run(ctx); err != nil {
		log.Warn().Err(err).Msg("candle backfill incomplete")
	}
	if err := jobSet.FetchLeaderboard(ctx); err != nil {
		log.Warn().Err(err).Msg("initial leaderboard fetch failed")
	}
}

func (a *App) registerJobs(jobSet *jobs.Jobs) {
	cfg := a.cfg
	a.archiver = archive.New(a.store, archive.Options{
		BasePath:         cfg.Archive.BasePath,
		BatchSize:        cfg.Archive.BatchSize,
		MaxArchiveAge:    cfg.Archive.MaxArchiveAge,
		CompressionLevel: cfg.Archive.CompressionLevel,
		RetentionDays:    a.retentionByCollection(),
	})

	bodies := map[string]scheduler.JobFunc{
		"update_ticker":       jobSet.UpdateTicker,
		"collect_funding":     jobSet.CollectFunding,
		"collect_daily_stats": jobSet.CollectDailyStats,
		"fetch_leaderboard":   jobSet.FetchLeaderboard,
		"collect_candles":     jobSet.CollectCandlesFallback,
		"collect_trades":      jobSet.CollectTradesFallback,
		"collect_orderbook":   jobSet.CollectOrderbookFallback,
		"fetch_providers":     jobSet.FetchProviders,
		"archive_collections": func(ctx context.Context) error {
			return a.archiver.Run(ctx, time.Now().UTC())
		},
	}

	for name, jc := range cfg.Scheduler.Jobs {
		if !jc.Enabled || jc.Interval <= 0 {
			continue
		}
		body, ok := bodies[name]
		if !ok {
			log.Warn().Str("job", name).Msg("unknown job in configuration")
			continue
		}
		a.sched.Register(name, jc.Interval, a.instrument(name, body))
	}
}

// instrument wraps a job body with run and failure counters.
func (a *App) instrument(name string, fn scheduler.JobFunc) scheduler.JobFunc {
	return func(ctx context.Context) error {
		a.metrics.JobRuns.WithLabelValues(name).Inc()
		if err := fn(ctx); err != nil {
			a.metrics.JobFailures.WithLabelValues(name).Inc()
			return err
		}
		return nil
	}
}

// retentionByCollection expands the logical retention map onto concrete
// collection names (per-symbol collections included).
func (a *App) retentionByCollection() map[string]int {
	symbol := a.cfg.Symbol.TargetSymbol
	days := a.cfg.Retention.Days
	out := map[string]int{
		repo.CollectionEvents:             days["events"],
		repo.CollectionLeaderboardHistory: days["leaderboard_history"],
		repo.CollectionTraderPositions:    days["trader_positions"],
		repo.CollectionTraderScores:       days["trader_scores"],
		repo.CollectionSignals:            days["signals"],
		repo.CollectionTraderSignals:      days["trader_signals"],
		repo.CollectionMarkPrices:         days["mark_prices"],
		repo.Trades(symbol):               days["trades"],
		repo.Orderbook(symbol):            days["orderbook"],
	}
	for _, interval := range a.cfg.Collector.CandleIntervals {
		out[repo.Candles(symbol, interval)] = days["candles"]
	}
	return out
}

// syncStats periodically mirrors component stat snapshots into the
// Prometheus registry.
func (a *App) syncStats(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			busStats := a.bus.Stats()
			a.metrics.ObserveBus(busStats.Published, busStats.Dropped, busStats.Errors, busStats.QueueDepth)

			wsStatus := a.wsman.Status()
			a.metrics.ObserveWS(wsStatus.FramesReceived, wsStatus.FramesMalformed,
				wsStatus.State == ws.StateConnected, wsStatus.ReconnectAttempts)

			written, failed := a.persist.Stats()
			a.metrics.ObservePersister(written, failed)
			if a.archiver != nil {
				a.metrics.ObserveArchiver(a.archiver.RowsArchived())
			}
		}
	}
}

// observeMetrics mirrors the live event stream into the Prometheus
// registry via a wildcard subscription.
func (a *App) observeMetrics() {
	a.metricSub = a.bus.Subscribe("*", 10, func(_ context.Context, e *models.StandardEvent) error {
		a.metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
		if e.ProcessingTimeMs > 0 {
			a.metrics.HandlerLatency.WithLabelValues(string(e.Type)).Observe(e.ProcessingTimeMs / 1000)
		}
		switch payload := e.Payload.(type) {
		case models.AggregatedSignal:
			a.metrics.SignalsEmitted.WithLabelValues(string(payload.Recommendation)).Inc()
		case models.WhaleAlert:
			a.metrics.WhaleAlerts.WithLabelValues(string(payload.Priority)).Inc()
		case models.ScoredTraders:
			a.metrics.TrackedTraders.Set(float64(len(payload.Traders)))
		}
		return nil
	})
}
