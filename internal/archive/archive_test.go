package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalewatch/whalewatch/internal/models"
	"github.com/whalewatch/whalewatch/internal/repo"
)

type archiveRepo struct {
	mu      sync.Mutex
	aged    map[string][]repo.Document
	deleted map[string][]int64
}

func newArchiveRepo() *archiveRepo {
	return &archiveRepo{
		aged:    make(map[string][]repo.Document),
		deleted: make(map[string][]int64),
	}
}

func (f *archiveRepo) OlderThan(_ context.Context, collection string, _ time.Time, limit int) ([]repo.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := f.aged[collection]
	if len(docs) > limit {
		docs = docs[:limit]
	}
	f.aged[collection] = f.aged[collection][len(docs):]
	return docs, nil
}

func (f *archiveRepo) DeleteByIDs(_ context.Context, collection string, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[collection] = append(f.deleted[collection], ids...)
	return int64(len(ids)), nil
}

func (f *archiveRepo) InsertMany(context.Context, string, []repo.Document) (int, error) {
	return 0, nil
}

func (f *archiveRepo) Upsert(context.Context, string, string, repo.Document) error { return nil }

func (f *archiveRepo) LatestCandle(context.Context, string, string) (*models.Candle, error) {
	return nil, nil
}

func (f *archiveRepo) Range(context.Context, string, repo.RangeQuery) ([]repo.Document, error) {
	return nil, nil
}

func (f *archiveRepo) Count(context.Context, string, repo.RangeQuery) (int64, error) { return 0, nil }
func (f *archiveRepo) Ping(context.Context) error                                    { return nil }
func (f *archiveRepo) Close() error                                                  { return nil }

func docAt(id int64, ts time.Time) repo.Document {
	return repo.Document{ID: id, Symbol: "BTC", Time: ts, Body: json.RawMessage(`{"px":42000}`)}
}

func readArchive(t *testing.T, path string) []archiveLine {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer dec.Close()

	var lines []archiveLine
	scanner := bufio.NewScanner(dec)
	for scanner.Scan() {
		var line archiveLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestRunArchivesAndDeletes(t *testing.T) {
	base := t.TempDir()
	store := newArchiveRepo()
	jan := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	store.aged["trades_btc"] = []repo.Document{docAt(1, jan), docAt(2, jan.Add(time.Hour))}

	a := New(store, Options{BasePath: base, RetentionDays: map[string]int{"trades_btc": 7}})
	require.NoError(t, a.Run(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))

	assert.ElementsMatch(t, []int64{1, 2}, store.deleted["trades_btc"])

	lines := readArchive(t, filepath.Join(base, "trades_btc", "2026-01.jsonl.zst"))
	require.Len(t, lines, 2)
	assert.Equal(t, int64(1), lines[0].ID)
	assert.Equal(t, "BTC", lines[0].Symbol)
}

func TestOrderbookGroupsDaily(t *testing.T) {
	base := t.TempDir()
	store := newArchiveRepo()
	day1 := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	store.aged["orderbook_btc"] = []repo.Document{docAt(1, day1), docAt(2, day2)}

	a := New(store, Options{BasePath: base, RetentionDays: map[string]int{"orderbook_btc": 3}})
	require.NoError(t, a.Run(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))

	assert.FileExists(t, filepath.Join(base, "orderbook_btc", "2026-01-15.jsonl.zst"))
	assert.FileExists(t, filepath.Join(base, "orderbook_btc", "2026-01-16.jsonl.zst"))
}

func TestWriteFailureLeavesRowsInPlace(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "base")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	store := newArchiveRepo()
	store.aged["trades_btc"] = []repo.Document{docAt(1, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))}

	a := New(store, Options{BasePath: blocker, RetentionDays: map[string]int{"trades_btc": 7}})
	err := a.Run(context.Background(), time.Now().UTC())
	assert.Error(t, err)
	assert.Empty(t, store.deleted["trades_btc"])
}

func TestMetadataSidecar(t *testing.T) {
	base := t.TempDir()
	store := newArchiveRepo()
	store.aged["signals"] = []repo.Document{docAt(1, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))}

	a := New(store, Options{BasePath: base, RetentionDays: map[string]int{"signals": 30}})
	require.NoError(t, a.Run(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))

	raw, err := os.ReadFile(filepath.Join(base, "signals", "metadata.json"))
	require.NoError(t, err)
	var meta metadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Contains(t, meta.Files, "2026-02.jsonl.zst")
	assert.Greater(t, meta.Files["2026-02.jsonl.zst"], int64(0))
	assert.False(t, meta.LastArchived.IsZero())
}

func TestCleanupRemovesExpiredFiles(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "trades_btc")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-01.jsonl.zst"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-07.jsonl.zst"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0o644))

	a := New(newArchiveRepo(), Options{BasePath: base, MaxArchiveAge: 365 * 24 * time.Hour})
	require.NoError(t, a.CleanupOldArchives(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))

	assert.NoFileExists(t, filepath.Join(dir, "2024-01.jsonl.zst"))
	assert.FileExists(t, filepath.Join(dir, "2026-07.jsonl.zst"))
	assert.FileExists(t, filepath.Join(dir, "metadata.json"))
}

func TestFileDateMonthResolvesToMonthEnd(t *testing.T) {
	ts, ok := fileDate("2026-01.jsonl.zst")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), ts)

	ts, ok = fileDate("2026-01-15.jsonl.zst")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), ts)

	_, ok = fileDate("metadata.json")
	assert.False(t, ok)
}
