// Package bus provides the in-process pub/sub fabric carrying StandardEvents
// between collectors, processors and the persistence writer. Delivery is
// at-most-once: a saturated queue drops the publish and counts it.
package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/models"
)

// Common errors.
var (
	ErrNotConnected = errors.New("bus not connected")
	ErrSaturated    = errors.New("bus queue saturated")
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler processes a delivered event. Handlers run sequentially on the bus
// worker; long-running work must be scheduled elsewhere.
type Handler func(ctx context.Context, event *models.StandardEvent) error

// Options tune bus behavior.
type Options struct {
	QueueSize    int           // bounded publish queue, default 4096
	PublishWait  time.Duration // max block when queue is full, default 50ms
	DrainTimeout time.Duration // max wait for queue drain on Disconnect, default 5s
}

func (o *Options) withDefaults() Options {
	out := Options{QueueSize: 4096, PublishWait: 50 * time.Millisecond, DrainTimeout: 5 * time.Second}
	if o == nil {
		return out
	}
	if o.QueueSize > 0 {
		out.QueueSize = o.QueueSize
	}
	if o.PublishWait > 0 {
		out.PublishWait = o.PublishWait
	}
	if o.DrainTimeout > 0 {
		out.DrainTimeout = o.DrainTimeout
	}
	return out
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published  uint64 `json:"published"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	Errors     uint64 `json:"errors"`
	QueueDepth int    `json:"queue_depth"`
	Handlers   int    `json:"handlers"`
}

type subscription struct {
	bus       *Bus
	eventType string
	priority  int
	seq       uint64
	handler   Handler
}

// Unsubscribe removes the handler from the bus. Safe to call more than once.
func (s *subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Subscription is the token returned by Subscribe; dropping it on every exit
// path keeps handler lists scoped to their owners.
type Subscription = subscription

// Bus is a many-writer single-reader event carrier. Handlers for a given
// event type run in ascending priority order; the wildcard list is appended
// after direct subscribers of the same priority tier.
type Bus struct {
	opts Options

	mu        sync.RWMutex
	handlers  map[string][]*subscription
	seq       uint64
	connected bool
	queue     chan *models.StandardEvent
	done      chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	errCount  atomic.Uint64
}

// New creates a bus. Connect must be called before publishing.
func New(opts *Options) *Bus {
	return &Bus{
		opts:     opts.withDefaults(),
		handlers: make(map[string][]*subscription),
	}
}

// Connect starts the dispatch worker. Idempotent.
func (b *Bus) Connect(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return
	}
	b.queue = make(chan *models.StandardEvent, b.opts.QueueSize)
	b.done = make(chan struct{})
	b.connected = true
	go b.worker(ctx, b.queue, b.done)
	log.Debug().Int("queue_size", b.opts.QueueSize).Msg("event bus connected")
}

// Disconnect stops accepting publishes and drains the queue up to the drain
// timeout. Idempotent.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	queue := b.queue
	done := b.done
	b.mu.Unlock()

	close(queue)
	select {
	case <-done:
	case <-time.After(b.opts.DrainTimeout):
		log.Warn().Dur("drain_timeout", b.opts.DrainTimeout).Msg("event bus drain timed out")
	}
}

// Connected reports whether the bus accepts publishes.
func (b *Bus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Subscribe registers a handler for an event type (or Wildcard). Lower
// priority values run first.
func (b *Bus) Subscribe(eventType string, priority int, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &subscription{bus: b, eventType: eventType, priority: priority, seq: b.seq, handler: handler}
	list := append(b.handlers[eventType], sub)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	b.handlers[eventType] = list
	return sub
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.eventType]
	for i, s := range list {
		if s == sub {
			b.handlers[sub.eventType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish enqueues one event. It blocks up to PublishWait when the queue is
// full, then fails with ErrSaturated and counts the drop. The read lock spans
// the send: Disconnect takes the write lock before closing the queue, so no
// publisher can be caught mid-send on a closed channel.
func (b *Bus) Publish(event *models.StandardEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.connected {
		return ErrNotConnected
	}

	select {
	case b.queue <- event:
		b.published.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(b.opts.PublishWait)
	defer timer.Stop()
	select {
	case b.queue <- event:
		b.published.Add(1)
		return nil
	case <-timer.C:
		b.dropped.Add(1)
		return ErrSaturated
	}
}

// PublishBulk enqueues a batch and returns the number accepted. The batch is
// not atomic; a saturated queue truncates it.
func (b *Bus) PublishBulk(events []*models.StandardEvent) int {
	published := 0
	for _, ev := range events {
		if err := b.Publish(ev); err != nil {
			break
		}
		published++
	}
	return published
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	depth := 0
	if b.queue != nil {
		depth = len(b.queue)
	}
	n := 0
	for _, list := range b.handlers {
		n += len(list)
	}
	b.mu.RUnlock()
	return Stats{
		Published:  b.published.Load(),
		Delivered:  b.delivered.Load(),
		Dropped:    b.dropped.Load(),
		Errors:     b.errCount.Load(),
		QueueDepth: depth,
		Handlers:   n,
	}
}

func (b *Bus) worker(ctx context.Context, queue chan *models.StandardEvent, done chan struct{}) {
	defer close(done)
	for event := range queue {
		b.dispatch(ctx, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, event *models.StandardEvent) {
	b.mu.RLock()
	direct := b.handlers[string(event.Type)]
	wild := b.handlers[Wildcard]
	subs := make([]*subscription, 0, len(direct)+len(wild))
	subs = append(subs, direct...)
	subs = append(subs, wild...)
	b.mu.RUnlock()

	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})

	for _, sub := range subs {
		b.invoke(ctx, sub, event)
	}
	b.delivered.Add(1)
}

// invoke runs one handler, absorbing panics so a faulty handler cannot take
// down the dispatch loop. The handler stays subscribed either way.
func (b *Bus) invoke(ctx context.Context, sub *subscription, event *models.StandardEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.errCount.Add(1)
			log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Str("event_id", event.EventID).
				Msg("event handler panicked")
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.errCount.Add(1)
		log.Warn().
			Err(err).
			Str("event_type", string(event.Type)).
			Str("event_id", event.EventID).
			Msg("event handler failed")
	}
}
