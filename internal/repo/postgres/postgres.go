// Package postgres implements the repository on PostgreSQL via sqlx. Every
// logical collection maps to its own table with the same shape: promoted
// filter columns plus a JSONB body. Tables are created lazily on first use.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/models"
	"github.com/whalewatch/whalewatch/internal/repo"
)

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store is the PostgreSQL repository.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration

	mu      sync.Mutex
	ensured map[string]bool
}

// Open connects to Postgres, configures the pool and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxPoolSize)
	db.SetMaxIdleConns(cfg.MaxPoolSize / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout, ensured: make(map[string]bool)}, nil
}

// NewWithDB wraps an existing connection; used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout, ensured: make(map[string]bool)}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// MarkEnsured records collections whose tables already exist so ensure skips
// the DDL round-trip; used by tests.
func (s *Store) MarkEnsured(collections ...string) {
	s.mu.Lock()
	for _, c := range collections {
		s.ensured[c] = true
	}
	s.mu.Unlock()
}

// ensure creates the collection table and its indexes once per process.
func (s *Store) ensure(ctx context.Context, collection string) error {
	if !collectionName.MatchString(collection) {
		return fmt.Errorf("invalid collection name: %q", collection)
	}
	s.mu.Lock()
	done := s.ensured[collection]
	s.mu.Unlock()
	if done {
		return nil
	}

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			dedup_key TEXT,
			symbol TEXT,
			trader_address TEXT,
			ts TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, collection),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_dedup_idx ON %s (dedup_key) WHERE dedup_key IS NOT NULL`, collection, collection),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts DESC)`, collection, collection),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_trader_ts_idx ON %s (trader_address, ts) WHERE trader_address IS NOT NULL`, collection, collection),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure collection %s: %w", collection, err)
		}
	}

	s.mu.Lock()
	s.ensured[collection] = true
	s.mu.Unlock()
	return nil
}

// InsertMany bulk-inserts documents. Duplicate-key conflicts are skipped via
// ON CONFLICT DO NOTHING; the returned count covers rows actually written.
func (s *Store) InsertMany(ctx context.Context, collection string, docs []repo.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.ensure(ctx, collection); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s (dedup_key, symbol, trader_address, ts, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`, collection)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range docs {
		body, err := json.Marshal(docs[i].Body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal document: %w", err)
		}
		res, err := stmt.ExecContext(ctx,
			nullString(docs[i].DedupKey), nullString(docs[i].Symbol),
			nullString(docs[i].Trader), docs[i].Time.UTC(), body)
		if err != nil {
			if isDuplicate(err) {
				continue
			}
			return 0, fmt.Errorf("failed to insert into %s: %w", collection, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insert: %w", err)
	}
	return inserted, nil
}

// Upsert writes a document keyed by dedup_key, replacing any existing row.
func (s *Store) Upsert(ctx context.Context, collection, key string, doc repo.Document) error {
	if key == "" {
		return fmt.Errorf("upsert key is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.ensure(ctx, collection); err != nil {
		return err
	}

	body, err := json.Marshal(doc.Body)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (dedup_key, symbol, trader_address, ts, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL
		DO UPDATE SET symbol = EXCLUDED.symbol, trader_address = EXCLUDED.trader_address,
			ts = EXCLUDED.ts, doc = EXCLUDED.doc`, collection)
	_, err = s.db.ExecContext(ctx, query,
		key, nullString(doc.Symbol), nullString(doc.Trader), doc.Time.UTC(), body)
	if err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", collection, err)
	}
	return nil
}

// LatestCandle returns the most recent candle for a symbol and interval, or
// nil when the collection is empty.
func (s *Store) LatestCandle(ctx context.Context, symbol, interval string) (*models.Candle, error) {
	collection := repo.Candles(symbol, interval)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.ensure(ctx, collection); err != nil {
		return nil, err
	}

	var body []byte
	query := fmt.Sprintf(`SELECT doc FROM %s ORDER BY ts DESC LIMIT 1`, collection)
	if err := s.db.QueryRowxContext(ctx, query).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest candle: %w", err)
	}
	var candle models.Candle
	if err := json.Unmarshal(body, &candle); err != nil {
		return nil, fmt.Errorf("failed to decode candle: %w", err)
	}
	return &candle, nil
}

// Range returns documents matching the query, ordered by time.
func (s *Store) Range(ctx context.Context, collection string, q repo.RangeQuery) ([]repo.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.ensure(ctx, collection); err != nil {
		return nil, err
	}

	where, args := buildPredicate(q)
	order := "ASC"
	if q.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT id, COALESCE(dedup_key, ''), COALESCE(symbol, ''),
		COALESCE(trader_address, ''), ts, doc FROM %s%s ORDER BY ts %s`, collection, where, order)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// Count returns the number of documents matching the query.
func (s *Store) Count(ctx context.Context, collection string, q repo.RangeQuery) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.ensure(ctx, collection); err != nil {
		return 0, err
	}

	where, args := buildPredicate(q)
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, collection, where)
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return count, nil
}

// OlderThan streams documents created before the cutoff in time order, for
// the archival sweep.
func (s *Store) OlderThan(ctx context.Context, collection string, cutoff time.Time, limit int) ([]repo.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.ensure(ctx, collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, COALESCE(dedup_key, ''), COALESCE(symbol, ''),
		COALESCE(trader_address, ''), ts, doc FROM %s WHERE created_at < $1 ORDER BY ts ASC LIMIT $2`, collection)
	rows, err := s.db.QueryxContext(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query aged rows from %s: %w", collection, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// DeleteByIDs removes archived rows by primary key.
func (s *Store) DeleteByIDs(ctx context.Context, collection string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.ensure(ctx, collection); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, collection)
	res, err := s.db.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete count: %w", err)
	}
	if n != int64(len(ids)) {
		log.Debug().Str("collection", collection).Int64("deleted", n).Int("requested", len(ids)).Msg("partial archival delete")
	}
	return n, nil
}

func buildPredicate(q repo.RangeQuery) (string, []any) {
	var conds []string
	var args []any
	if !q.Start.IsZero() {
		args = append(args, q.Start.UTC())
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.End.IsZero() {
		args = append(args, q.End.UTC())
		conds = append(conds, fmt.Sprintf("ts <= $%d", len(args)))
	}
	if q.Symbol != "" {
		args = append(args, q.Symbol)
		conds = append(conds, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if q.Trader != "" {
		args = append(args, strings.ToLower(q.Trader))
		conds = append(conds, fmt.Sprintf("trader_address = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanDocuments(rows *sqlx.Rows) ([]repo.Document, error) {
	var out []repo.Document
	for rows.Next() {
		var doc repo.Document
		var body []byte
		if err := rows.Scan(&doc.ID, &doc.DedupKey, &doc.Symbol, &doc.Trader, &doc.Time, &body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Body = json.RawMessage(body)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return out, nil
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
