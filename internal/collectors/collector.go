// Package collectors contains the per-stream collectors that sit between the
// WebSocket manager and the event bus. Every collector owns one logical
// stream, applies the universal target-symbol filter, transforms frames into
// StandardEvents, and batch-publishes through a bounded buffer.
package collectors

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/models"
)

// Publisher is the slice of the event bus a collector needs.
type Publisher interface {
	PublishBulk(events []*models.StandardEvent) int
}

// Collector is one stream owner.
type Collector interface {
	// Name identifies the collector in logs and event sources.
	Name() string

	// Start begins background flushing.
	Start(ctx context.Context)

	// Stop flushes the remaining buffer synchronously.
	Stop()

	// HandleMessage is the pure transform from a raw frame to zero or more
	// events. It is invoked by the WS manager's dispatch.
	HandleMessage(data json.RawMessage) []*models.StandardEvent

	// Metrics returns stream counters.
	Metrics() Metrics
}

// Metrics are the per-collector stream counters.
type Metrics struct {
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesProcessed uint64 `json:"messages_processed"`
	MessagesFiltered  uint64 `json:"messages_filtered"`
	EventsEmitted     uint64 `json:"events_emitted"`
	BufferSize        int    `json:"buffer_size"`
}

// base provides the buffer, flush loop and counters shared by all
// collectors. Flush triggers are the timer and the size threshold; Stop
// flushes synchronously.
type base struct {
	name     string
	bus      Publisher
	interval time.Duration
	maxSize  int

	mu  sync.Mutex
	buf []*models.StandardEvent

	received  atomic.Uint64
	processed atomic.Uint64
	filtered  atomic.Uint64
	emitted   atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBase(name string, bus Publisher, interval time.Duration, maxSize int) *base {
	if interval == 0 {
		interval = 5 * time.Second
	}
	if maxSize == 0 {
		maxSize = 100
	}
	return &base{name: name, bus: bus, interval: interval, maxSize: maxSize}
}

// Name identifies the collector.
func (b *base) Name() string { return b.name }

// Start launches the timer flush worker.
func (b *base) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.flushLoop(runCtx)
	log.Debug().Str("collector", b.name).Dur("flush_interval", b.interval).Msg("collector started")
}

// Stop cancels the flush worker and drains the buffer.
func (b *base) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.flush()
	log.Debug().Str("collector", b.name).Msg("collector stopped")
}

// Metrics returns current counters.
func (b *base) Metrics() Metrics {
	b.mu.Lock()
	size := len(b.buf)
	b.mu.Unlock()
	return Metrics{
		MessagesReceived:  b.received.Load(),
		MessagesProcessed: b.processed.Load(),
		MessagesFiltered:  b.filtered.Load(),
		EventsEmitted:     b.emitted.Load(),
		BufferSize:        size,
	}
}

// record updates message counters after a HandleMessage call.
func (b *base) record(emitted int) {
	b.received.Add(1)
	if emitted > 0 {
		b.processed.Add(1)
	} else {
		b.filtered.Add(1)
	}
}

// buffer appends events and flushes when the size threshold is crossed.
func (b *base) buffer(events []*models.StandardEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, events...)
	full := len(b.buf) >= b.maxSize
	b.mu.Unlock()
	if full {
		b.flush()
	}
}

func (b *base) flushLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *base) flush() {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	published := b.bus.PublishBulk(batch)
	b.emitted.Add(uint64(published))
	if published < len(batch) {
		log.Warn().
			Str("collector", b.name).
			Int("dropped", len(batch)-published).
			Msg("bus saturated, events dropped")
	}
}
