// Package backfill fills historical candle gaps on startup. In incremental
// mode each interval resumes from the latest persisted bar; otherwise a
// configured absolute start applies.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/models"
	"github.com/whalewatch/whalewatch/internal/repo"
)

// defaultLookback bounds the first backfill when no start is configured and
// the collection is empty.
const defaultLookback = 30 * 24 * time.Hour

// intervalDurations maps exchange interval names onto durations.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// Backfiller drives the historical candle fetch.
type Backfiller struct {
	cfg    config.BackfillConfig
	symbol string
	client *hyperliquid.Client
	store  repo.Repository
}

// New creates a backfiller for the target symbol.
func New(client *hyperliquid.Client, store repo.Repository, symbol string, cfg config.BackfillConfig) *Backfiller {
	return &Backfiller{cfg: cfg, symbol: symbol, client: client, store: store}
}

// Run backfills every configured timeframe. Per-interval failures are
// isolated; the first error is returned after all intervals ran.
func (b *Backfiller) Run(ctx context.Context) error {
	if !b.cfg.Enabled {
		return nil
	}
	var firstErr error
	for _, interval := range b.cfg.Timeframes {
		if _, ok := intervalDurations[interval]; !ok {
			log.Warn().Str("interval", interval).Msg("skipping unknown backfill interval")
			continue
		}
		if err := b.fillInterval(ctx, interval); err != nil {
			log.Error().Err(err).Str("interval", interval).Msg("backfill failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// fillInterval pages from the resume point to now in batch-sized requests
// with the configured delay between them.
func (b *Backfiller) fillInterval(ctx context.Context, interval string) error {
	step := intervalDurations[interval]
	start, err := b.startTime(ctx, interval, step)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	total := 0
	for start.Before(now) {
		end := start.Add(step * time.Duration(b.cfg.BatchSize))
		if end.After(now) {
			end = now
		}
		wires, err := b.client.CandleSnapshot(ctx, b.symbol, interval, start, end)
		if err != nil {
			return fmt.Errorf("failed to fetch candles from %s: %w", start.Format(time.RFC3339), err)
		}
		if len(wires) == 0 {
			start = end
			continue
		}

		docs := make([]repo.Document, 0, len(wires))
		maxOpen := start
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
			if candle.OpenTime.After(maxOpen) {
				maxOpen = candle.OpenTime
			}
			docs = append(docs, repo.Document{
				DedupKey: fmt.Sprintf("%s|%s|%d", candle.Symbol, candle.Interval, candle.OpenTime.UnixMilli()),
				Symbol:   candle.Symbol,
				Time:     candle.OpenTime,
				Body:     candle,
			})
		}
		inserted, err := b.store.InsertMany(ctx, repo.Candles(b.symbol, interval), docs)
		if err != nil {
			return fmt.Errorf("failed to insert candles: %w", err)
		}
		total += inserted
		start = maxOpen.Add(step)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.RateLimitDelay):
		}
	}
	log.Info().Str("interval", interval).Int("candles", total).Msg("backfill completed")
	return nil
}

// startTime resolves the resume point for one interval.
func (b *Backfiller) startTime(ctx context.Context, interval string, step time.Duration) (time.Time, error) {
	if b.cfg.Incremental {
		latest, err := b.store.LatestCandle(ctx, b.symbol, interval)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to read latest candle: %w", err)
		}
		if latest != nil {
			return latest.OpenTime.Add(step), nil
		}
	}
	if !b.cfg.Start.IsZero() {
		return b.cfg.Start.UTC(), nil
	}
	return time.Now().UTC().Add(-defaultLookback), nil
}
