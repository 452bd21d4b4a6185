// Package archive bounds operational storage growth. Aged rows are streamed
// out of the repository in batches, serialized as JSON lines, compressed
// with zstd and appended to per-collection archive files; only after a
// successful flush are the source rows deleted.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/repo"
)

// Options tunes the archiver.
type Options struct {
	BasePath         string
	BatchSize        int
	MaxArchiveAge    time.Duration
	CompressionLevel int

	// RetentionDays maps collection name to its age threshold. Collections
	// absent from the map are never archived.
	RetentionDays map[string]int
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10000
	}
	if o.MaxArchiveAge <= 0 {
		o.MaxArchiveAge = 365 * 24 * time.Hour
	}
	if o.CompressionLevel <= 0 {
		o.CompressionLevel = int(zstd.SpeedDefault)
	}
}

// metadata is the per-collection sidecar recording archival progress.
type metadata struct {
	LastArchived time.Time        `json:"last_archived"`
	Files        map[string]int64 `json:"files"` // name -> size bytes
}

// Archiver exports aged rows and enforces retention.
type Archiver struct {
	store repo.Repository
	opts  Options

	rows atomic.Uint64
}

// New creates an archiver over the given repository.
func New(store repo.Repository, opts Options) *Archiver {
	opts.defaults()
	return &Archiver{store: store, opts: opts}
}

// Run archives every configured collection once. Per-collection failures
// are isolated; the first error is returned after all collections ran.
func (a *Archiver) Run(ctx context.Context, now time.Time) error {
	var firstErr error
	names := make([]string, 0, len(a.opts.RetentionDays))
	for name := range a.opts.RetentionDays {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, collection := range names {
		days := a.opts.RetentionDays[collection]
		if days <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
		if err := a.archiveCollection(ctx, collection, cutoff); err != nil {
			log.Error().Err(err).Str("collection", collection).Msg("archival failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := a.CleanupOldArchives(now); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// archiveCollection drains all rows older than cutoff, batch by batch.
func (a *Archiver) archiveCollection(ctx context.Context, collection string, cutoff time.Time) error {
	archived := 0
	for {
		docs, err := a.store.OlderThan(ctx, collection, cutoff, a.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to scan aged rows: %w", err)
		}
		if len(docs) == 0 {
			break
		}
		if err := a.archiveBatch(ctx, collection, docs); err != nil {
			return err
		}
		archived += len(docs)
		if len(docs) < a.opts.BatchSize {
			break
		}
	}
	if archived > 0 {
		a.rows.Add(uint64(archived))
		log.Info().Str("collection", collection).Int("rows", archived).Msg("rows archived")
	}
	return nil
}

// RowsArchived returns the total rows exported since creation.
func (a *Archiver) RowsArchived() uint64 { return a.rows.Load() }

// archiveBatch writes one batch to its archive files and deletes the source
// rows afterwards. A write failure leaves the rows in place for the next
// run; duplicate lines in the archive are the accepted cost of retry.
func (a *Archiver) archiveBatch(ctx context.Context, collection string, docs []repo.Document) error {
	groups := make(map[string][]repo.Document)
	for _, d := range docs {
		groups[a.fileKey(collection, d.Time)] = append(groups[a.fileKey(collection, d.Time)], d)
	}

	ids := make([]int64, 0, len(docs))
	for key, group := range groups {
		if err := a.appendCompressed(collection, key, group); err != nil {
			return err
		}
		for _, d := range group {
			ids = append(ids, d.ID)
		}
	}

	if _, err := a.store.DeleteByIDs(ctx, collection, ids); err != nil {
		return fmt.Errorf("failed to delete archived rows: %w", err)
	}
	return a.writeMetadata(collection)
}

// fileKey picks the archive file name for a row. Orderbook snapshots are
// grouped by day because of their volume; everything else is monthly.
func (a *Archiver) fileKey(collection string, ts time.Time) string {
	if strings.HasPrefix(collection, "orderbook_") {
		return ts.UTC().Format("2006-01-02")
	}
	return ts.UTC().Format("2006-01")
}

// appendCompressed appends one zstd frame of JSON lines to the archive
// file. Concatenated frames remain a valid zstd stream.
func (a *Archiver) appendCompressed(collection, key string, docs []repo.Document) error {
	dir := filepath.Join(a.opts.BasePath, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}
	path := filepath.Join(dir, key+".jsonl.zst")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.EncoderLevel(a.opts.CompressionLevel)))
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	for _, d := range docs {
		line, err := json.Marshal(archiveLine{
			ID:     d.ID,
			Symbol: d.Symbol,
			Trader: d.Trader,
			Time:   d.Time.UTC().Format(time.RFC3339Nano),
			Body:   d.Body,
		})
		if err != nil {
			enc.Close()
			return fmt.Errorf("failed to serialize archive row: %w", err)
		}
		if _, err := enc.Write(append(line, '\n')); err != nil {
			enc.Close()
			return fmt.Errorf("failed to write archive row: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush compressor: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive file: %w", err)
	}
	return nil
}

// archiveLine is the portable row encoding: ids and times stringified, body
// embedded verbatim.
type archiveLine struct {
	ID     int64  `json:"id"`
	Symbol string `json:"symbol,omitempty"`
	Trader string `json:"trader_address,omitempty"`
	Time   string `json:"time"`
	Body   any    `json:"body"`
}

// writeMetadata refreshes the per-collection sidecar with current file
// sizes.
func (a *Archiver) writeMetadata(collection string) error {
	dir := filepath.Join(a.opts.BasePath, collection)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list archive dir: %w", err)
	}
	meta := metadata{LastArchived: time.Now().UTC(), Files: make(map[string]int64)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl.zst") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		meta.Files[e.Name()] = info.Size()
	}
	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), body, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// CleanupOldArchives removes archive files whose filename-encoded date is
// older than the max archive age.
func (a *Archiver) CleanupOldArchives(now time.Time) error {
	cutoff := now.Add(-a.opts.MaxArchiveAge)
	collections, err := os.ReadDir(a.opts.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list archive base: %w", err)
	}
	for _, c := range collections {
		if !c.IsDir() {
			continue
		}
		dir := filepath.Join(a.opts.BasePath, c.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			stamp, ok := fileDate(f.Name())
			if !ok || !stamp.Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
				log.Warn().Err(err).Str("file", f.Name()).Msg("failed to remove old archive")
				continue
			}
			log.Info().Str("collection", c.Name()).Str("file", f.Name()).Msg("old archive removed")
		}
	}
	return nil
}

// fileDate parses the date encoded in an archive file name. Daily files
// resolve to their day, monthly files to the end of their month so a month
// is only removed once wholly out of range.
func fileDate(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, ".jsonl.zst")
	if base == name {
		return time.Time{}, false
	}
	if ts, err := time.Parse("2006-01-02", base); err == nil {
		return ts, true
	}
	if ts, err := time.Parse("2006-01", base); err == nil {
		return ts.AddDate(0, 1, 0), true
	}
	return time.Time{}, false
}
