// Package jobs implements the periodic job bodies the scheduler triggers:
// ticker/funding/daily-stats polls, the leaderboard refresh with tracked
// trader reconciliation, aux provider fetches, archival, and the REST
// fallbacks that cover market data while the WebSocket is down.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/cache"
	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/models"
	"github.com/whalewatch/whalewatch/internal/processors"
	"github.com/whalewatch/whalewatch/internal/providers"
	"github.com/whalewatch/whalewatch/internal/repo"
)

// scoredWaitTimeout bounds how long the leaderboard job waits for the
// scoring processor before falling back to the most recent scored set.
const scoredWaitTimeout = 10 * time.Second

// Connectivity reports whether the WebSocket stream currently owns the
// market data channels. The REST fallback jobs run only while it does not.
type Connectivity interface {
	Connected() bool
}

// TrackedReconciler is the slice of the trader positions collector the
// leaderboard job mutates subscriptions through.
type TrackedReconciler interface {
	Reconcile(addrs []string) (added, removed []string)
	Tracked() []string
}

// Forgetter drops per-trader state when a trader leaves the tracked set.
type Forgetter interface {
	Forget(trader string)
}

// Jobs bundles the dependencies of every job body.
type Jobs struct {
	Cfg     *config.Config
	Client  *hyperliquid.Client
	Bus     *bus.Bus
	Store   repo.Repository
	Cache   cache.Cache
	WS      Connectivity
	Scoring *processors.ScoringProcessor
	Tracked TrackedReconciler

	// Forgetters receive removed traders after reconciliation (the orders
	// collector and the position detector).
	Forgetters []Forgetter

	Providers []providers.Provider
}

func (j *Jobs) symbol() string { return j.Cfg.Symbol.TargetSymbol }

// UpdateTicker polls allMids and publishes a ticker event for the target
// symbol.
func (j *Jobs) UpdateTicker(ctx context.Context) error {
	mids, err := j.Client.AllMids(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch mids: %w", err)
	}
	raw, ok := mids[j.symbol()]
	if !ok {
		return fmt.Errorf("no mid for %s in response", j.symbol())
	}
	var price float64
	if _, err := fmt.Sscanf(raw, "%f", &price); err != nil {
		return fmt.Errorf("unparseable mid %q: %w", raw, err)
	}

	now := time.Now().UTC()
	if j.Cache != nil {
		j.Cache.SetMid(j.symbol(), price, now)
	}
	update := models.TickerUpdate{Symbol: j.symbol(), Price: price, Time: now}
	return j.Bus.Publish(models.NewEvent(models.EventTicker, "ticker_job", now, update))
}

// CollectFunding polls metaAndAssetCtxs and persists the target symbol's
// funding rate.
func (j *Jobs) CollectFunding(ctx context.Context) error {
	ctxs, err := j.Client.MetaAndAssetCtxs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch asset contexts: %w", err)
	}
	assetCtx, ok := ctxs.CtxFor(j.symbol())
	if !ok {
		return fmt.Errorf("no asset context for %s", j.symbol())
	}
	now := time.Now().UTC()
	doc := repo.Document{
		DedupKey: fmt.Sprintf("%s|%d", j.symbol(), now.Truncate(time.Hour).UnixMilli()),
		Symbol:   j.symbol(),
		Time:     now,
		Body: map[string]any{
			"symbol":       j.symbol(),
			"funding_rate": assetCtx.Funding,
			"premium":      assetCtx.Premium,
			"mark_price":   assetCtx.MarkPx,
			"oracle_price": assetCtx.OraclePx,
			"time":         now,
		},
	}
	_, err = j.Store.InsertMany(ctx, repo.Funding(j.symbol()), []repo.Document{doc})
	return err
}

// CollectDailyStats polls metaAndAssetCtxs and persists open interest and
// daily volume for the target symbol.
func (j *Jobs) CollectDailyStats(ctx context.Context) error {
	ctxs, err := j.Client.MetaAndAssetCtxs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch asset contexts: %w", err)
	}
	assetCtx, ok := ctxs.CtxFor(j.symbol())
	if !ok {
		return fmt.Errorf("no asset context for %s", j.symbol())
	}
	now := time.Now().UTC()
	day := now.Truncate(24 * time.Hour).UnixMilli()

	oi := repo.Document{
		DedupKey: fmt.Sprintf("%s|%d", j.symbol(), day),
		Symbol:   j.symbol(),
		Time:     now,
		Body: map[string]any{
			"symbol":        j.symbol(),
			"open_interest": assetCtx.OpenInterest,
			"time":          now,
		},
	}
	if _, err := j.Store.InsertMany(ctx, repo.OpenInterest(j.symbol()), []repo.Document{oi}); err != nil {
		return err
	}

	liq := repo.Document{
		DedupKey: fmt.Sprintf("%s|%d", j.symbol(), day),
		Symbol:   j.symbol(),
		Time:     now,
		Body: map[string]any{
			"symbol":           j.symbol(),
			"day_notional_vlm": assetCtx.DayNtlVlm,
			"prev_day_price":   assetCtx.PrevDayPx,
			"time":             now,
		},
	}
	_, err = j.Store.InsertMany(ctx, repo.Liquidity(j.symbol()), []repo.Document{liq})
	return err
}

// FetchLeaderboard refreshes the tracked trader set: fetch, publish, wait
// for the scored set, upsert tracked_traders, reconcile subscriptions.
func (j *Jobs) FetchLeaderboard(ctx context.Context) error {
	resp, err := j.Client.Leaderboard(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch leaderboard: %w", err)
	}
	board := j.buildBoard(resp)
	if len(board.Entries) == 0 {
		log.Warn().Msg("leaderboard response carried no qualifying rows, keeping current tracked set")
		return nil
	}

	_, prevGen := j.Scoring.Latest()
	event := models.NewEvent(models.EventLeaderboard, "leaderboard_job", board.FetchedAt, *board)
	if err := j.Bus.Publish(event); err != nil {
		return fmt.Errorf("failed to publish leaderboard: %w", err)
	}

	scored := j.waitScored(ctx, prevGen)
	if scored == nil || len(scored.Traders) == 0 {
		log.Warn().Msg("no scored traders available, keeping current tracked set")
		return nil
	}

	if err := j.upsertTracked(ctx, scored); err != nil {
		return err
	}

	addrs := make([]string, 0, len(scored.Traders))
	for _, t := range scored.Traders {
		addrs = append(addrs, strings.ToLower(t.Address))
		if j.Cache != nil {
			j.Cache.SetScore(strings.ToLower(t.Address), t.Score)
		}
	}
	added, removed := j.Tracked.Reconcile(addrs)
	for _, addr := range removed {
		for _, f := range j.Forgetters {
			f.Forget(addr)
		}
	}
	log.Info().Int("tracked", len(addrs)).Int("added", len(added)).Int("removed", len(removed)).Msg("tracked traders reconciled")
	return nil
}

// buildBoard converts the wire response, applies the account-value floor and
// sorts by account value descending.
func (j *Jobs) buildBoard(resp *hyperliquid.LeaderboardResponse) *models.Leaderboard {
	board := &models.Leaderboard{FetchedAt: time.Now().UTC()}
	for i := range resp.LeaderboardRows {
		row := &resp.LeaderboardRows[i]
		if row.AccountValue < j.Cfg.Scoring.MinAccountValue {
			continue
		}
		windows, err := row.Windows()
		if err != nil {
			log.Debug().Err(err).Str("trader", row.EthAddress).Msg("skipping row with malformed windows")
			continue
		}
		entry := models.LeaderboardEntry{
			Address:      strings.ToLower(row.EthAddress),
			AccountValue: row.AccountValue,
			Windows:      make(map[string]models.WindowPerformance, len(windows)),
		}
		if row.DisplayName != nil {
			entry.DisplayName = *row.DisplayName
		}
		for name, w := range windows {
			entry.Windows[name] = models.WindowPerformance{Pnl: w.Pnl, Roi: w.Roi, Volume: w.Vlm}
		}
		board.Entries = append(board.Entries, entry)
	}
	sort.SliceStable(board.Entries, func(a, b int) bool {
		return board.Entries[a].AccountValue > board.Entries[b].AccountValue
	})
	return board
}

// waitScored polls the scoring processor until a generation newer than
// prevGen appears or the timeout elapses; on timeout the most recent set is
// returned as-is.
func (j *Jobs) waitScored(ctx context.Context, prevGen uint64) *models.ScoredTraders {
	deadline := time.Now().Add(scoredWaitTimeout)
	for time.Now().Before(deadline) {
		scored, gen := j.Scoring.Latest()
		if gen > prevGen {
			return scored
		}
		select {
		case <-ctx.Done():
			return scored
		case <-time.After(100 * time.Millisecond):
		}
	}
	scored, _ := j.Scoring.Latest()
	return scored
}

// upsertTracked diffs the scored set against the active tracked rows:
// dropouts flip to inactive, everyone in the new set is upserted active.
func (j *Jobs) upsertTracked(ctx context.Context, scored *models.ScoredTraders) error {
	now := time.Now().UTC()
	inNewSet := make(map[string]bool, len(scored.Traders))
	for _, t := range scored.Traders {
		inNewSet[strings.ToLower(t.Address)] = true
	}

	for _, addr := range j.Tracked.Tracked() {
		if inNewSet[addr] {
			continue
		}
		row := repo.TrackedTrader{Address: addr, Active: false, UpdatedAt: now}
		doc := repo.Document{Trader: addr, Time: now, Body: row}
		if err := j.Store.Upsert(ctx, repo.CollectionTrackedTraders, addr, doc); err != nil {
			return fmt.Errorf("failed to deactivate trader %s: %w", addr, err)
		}
	}

	for _, t := range scored.Traders {
		addr := strings.ToLower(t.Address)
		row := repo.TrackedTrader{
			Address:      addr,
			Score:        t.Score,
			Tags:         t.Tags,
			AccountValue: t.AccountValue,
			Active:       true,
			FirstSeen:    now,
			UpdatedAt:    now,
		}
		doc := repo.Document{Trader: addr, Time: now, Body: row}
		if err := j.Store.Upsert(ctx, repo.CollectionTrackedTraders, addr, doc); err != nil {
			return fmt.Errorf("failed to upsert trader %s: %w", addr, err)
		}
	}
	return nil
}

// FetchProviders runs every configured aux provider and publishes the
// resulting metrics. Per-provider failures are isolated.
func (j *Jobs) FetchProviders(ctx context.Context) error {
	for _, p := range j.Providers {
		event, err := p.Fetch(ctx)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.Name()).Msg("provider fetch failed")
			continue
		}
		if err := j.Bus.Publish(event); err != nil {
			log.Warn().Err(err).Str("provider", p.Name()).Msg("failed to publish provider metric")
		}
	}
	return nil
}

// --- REST fallbacks, active only while the WebSocket is down ---

// CollectTradesFallback is intentionally a no-op when the stream is healthy;
// the WS collector owns the trades channel then.
func (j *Jobs) CollectTradesFallback(ctx context.Context) error {
	if j.WS.Connected() {
		return nil
	}
	// Trades have no REST history endpoint; the candle fallback covers the
	// gap at 1m resolution.
	return j.CollectCandlesFallback(ctx)
}

// CollectOrderbookFallback fetches one book snapshot over REST while the
// WebSocket is down.
func (j *Jobs) CollectOrderbookFallback(ctx context.Context) error {
	if j.WS.Connected() {
		return nil
	}
	book, err := j.Client.L2Book(ctx, j.symbol())
	if err != nil {
		return fmt.Errorf("failed to fetch fallback orderbook: %w", err)
	}
	snapshot := models.OrderBookSnapshot{
		Symbol: book.Coin,
		Time:   time.UnixMilli(book.Time).UTC(),
	}
	for _, l := range book.Levels[0] {
		snapshot.Bids = append(snapshot.Bids, models.BookLevel{Price: l.Px, Size: l.Sz, OrderCount: l.N})
	}
	for _, l := range book.Levels[1] {
		snapshot.Asks = append(snapshot.Asks, models.BookLevel{Price: l.Px, Size: l.Sz, OrderCount: l.N})
	}
	snapshot.ComputeDerived()
	doc := repo.Document{Symbol: snapshot.Symbol, Time: snapshot.Time, Body: snapshot}
	_, err = j.Store.InsertMany(ctx, repo.Orderbook(j.symbol()), []repo.Document{doc})
	return err
}

// CollectCandlesFallback fetches the last hour of 1m candles over REST while
// the WebSocket is down; duplicate bars are absorbed on insert.
func (j *Jobs) CollectCandlesFallback(ctx context.Context) error {
	if j.WS.Connected() {
		return nil
	}
	end := time.Now().UTC()
	start := end.Add(-time.Hour)
	wires, err := j.Client.CandleSnapshot(ctx, j.symbol(), "1m", start, end)
	if err != nil {
		return fmt.Errorf("failed to fetch fallback candles: %w", err)
	}
	docs := make([]repo.Document, 0, len(wires))
	for _, w := range wires {
		candle := models.Candle{
			Symbol:     w.S,
			Interval:   w.I,
			OpenTime:   time.UnixMilli(w.T).UTC(),
			Open:       w.O,
			High:       w.H,
			Low:        w.L,
			Close:      w.C,
			Volume:     w.V,
			TradeCount: w.N,
		}
		if !candle.Valid() {
			continue
		}
		docs = append(docs, repo.Document{
			DedupKey: fmt.Sprintf("%s|%s|%d", candle.Symbol, candle.Interval, candle.OpenTime.UnixMilli()),
			Symbol:   candle.Symbol,
			Time:     candle.OpenTime,
			Body:     candle,
		})
	}
	_, err = j.Store.InsertMany(ctx, repo.Candles(j.symbol(), "1m"), docs)
	return err
}
