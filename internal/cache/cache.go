// Package cache holds the hot working state the pipeline reads on every
// event: latest mids, current trader scores and the live signal. A Redis
// backend shares the state across processes; the in-memory backend serves
// single-process deployments and tests.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	midKeyPrefix   = "ww:mid:"
	scoreKeyPrefix = "ww:score:"
	signalKey      = "ww:signal:latest"

	midTTL   = 10 * time.Minute
	scoreTTL = 2 * time.Hour

	// SignalTTL bounds how long a stale signal stays readable under
	// SignalKey after emissions stop.
	SignalTTL = 24 * time.Hour
)

// Cache is the hot-state interface. Implementations are safe for concurrent
// use.
type Cache interface {
	SetMid(symbol string, price float64, ts time.Time)
	Mid(symbol string) (price float64, ts time.Time)
	SetScore(trader string, score float64)
	Score(trader string) (float64, bool)
	SetJSON(key string, value any, ttl time.Duration) error
	GetJSON(key string, out any) (bool, error)
	Close() error
}

// SignalKey is the well-known key the latest aggregated signal is stored
// under for external readers.
func SignalKey() string { return signalKey }

type midEntry struct {
	Price float64   `json:"price"`
	Time  time.Time `json:"time"`
}

// --- In-memory backend ---

// Memory is a process-local cache.
type Memory struct {
	mu      sync.RWMutex
	mids    map[string]midEntry
	scores  map[string]float64
	objects map[string][]byte
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		mids:    make(map[string]midEntry),
		scores:  make(map[string]float64),
		objects: make(map[string][]byte),
	}
}

// SetMid records the latest mid for a symbol.
func (m *Memory) SetMid(symbol string, price float64, ts time.Time) {
	m.mu.Lock()
	m.mids[symbol] = midEntry{Price: price, Time: ts}
	m.mu.Unlock()
}

// Mid returns the latest mid and its timestamp; a zero time means unknown.
func (m *Memory) Mid(symbol string) (float64, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.mids[symbol]
	return e.Price, e.Time
}

// SetScore records a trader's current score.
func (m *Memory) SetScore(trader string, score float64) {
	m.mu.Lock()
	m.scores[trader] = score
	m.mu.Unlock()
}

// Score returns a trader's current score.
func (m *Memory) Score(trader string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[trader]
	return s, ok
}

// SetJSON stores an arbitrary object under a key. TTLs are ignored in the
// memory backend.
func (m *Memory) SetJSON(key string, value any, _ time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = body
	m.mu.Unlock()
	return nil
}

// GetJSON loads an object by key; the bool reports presence.
func (m *Memory) GetJSON(key string, out any) (bool, error) {
	m.mu.RLock()
	body, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return true, nil
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error { return nil }

// --- Redis backend ---

// Redis stores hot state in a Redis instance. Failures degrade to a logged
// warning; readers then see the zero value and treat it as missing.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

// SetMid records the latest mid for a symbol.
func (r *Redis) SetMid(symbol string, price float64, ts time.Time) {
	if err := r.SetJSON(midKeyPrefix+symbol, midEntry{Price: price, Time: ts}, midTTL); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("failed to cache mid")
	}
}

// Mid returns the latest mid and its timestamp; a zero time means unknown.
func (r *Redis) Mid(symbol string) (float64, time.Time) {
	var e midEntry
	ok, err := r.GetJSON(midKeyPrefix+symbol, &e)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("failed to read cached mid")
		return 0, time.Time{}
	}
	if !ok {
		return 0, time.Time{}
	}
	return e.Price, e.Time
}

// SetScore records a trader's current score.
func (r *Redis) SetScore(trader string, score float64) {
	ctx, cancel := opCtx()
	defer cancel()
	if err := r.client.Set(ctx, scoreKeyPrefix+trader, score, scoreTTL).Err(); err != nil {
		log.Warn().Err(err).Str("trader", trader).Msg("failed to cache score")
	}
}

// Score returns a trader's current score.
func (r *Redis) Score(trader string) (float64, bool) {
	ctx, cancel := opCtx()
	defer cancel()
	score, err := r.client.Get(ctx, scoreKeyPrefix+trader).Float64()
	if err != nil {
		return 0, false
	}
	return score, true
}

// SetJSON stores an arbitrary object under a key with a TTL.
func (r *Redis) SetJSON(key string, value any, ttl time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	ctx, cancel := opCtx()
	defer cancel()
	if err := r.client.Set(ctx, key, body, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GetJSON loads an object by key; the bool reports presence.
func (r *Redis) GetJSON(key string, out any) (bool, error) {
	ctx, cancel := opCtx()
	defer cancel()
	body, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return true, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error { return r.client.Close() }

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
