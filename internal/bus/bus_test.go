package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalewatch/whalewatch/internal/models"
)

func testEvent(t models.EventType) *models.StandardEvent {
	return models.NewEvent(t, "test", time.Now(), nil)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestPublishRequiresConnect(t *testing.T) {
	b := New(nil)
	err := b.Publish(testEvent(models.EventTrade))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDeliveryAndPriorityOrder(t *testing.T) {
	b := New(nil)
	b.Connect(context.Background())
	defer b.Disconnect()

	var mu sync.Mutex
	var order []string

	record := func(name string) Handler {
		return func(context.Context, *models.StandardEvent) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of priority order on purpose.
	b.Subscribe(string(models.EventTrade), 5, record("persister"))
	b.Subscribe(string(models.EventTrade), 1, record("detector"))
	b.Subscribe(Wildcard, 3, record("metrics"))

	require.NoError(t, b.Publish(testEvent(models.EventTrade)))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"detector", "metrics", "persister"}, order)
}

func TestWildcardSeesEveryType(t *testing.T) {
	b := New(nil)
	b.Connect(context.Background())
	defer b.Disconnect()

	var count sync.Map
	b.Subscribe(Wildcard, 5, func(_ context.Context, e *models.StandardEvent) error {
		count.Store(e.Type, true)
		return nil
	})

	require.NoError(t, b.Publish(testEvent(models.EventTrade)))
	require.NoError(t, b.Publish(testEvent(models.EventSignal)))
	waitFor(t, func() bool {
		_, a := count.Load(models.EventTrade)
		_, b2 := count.Load(models.EventSignal)
		return a && b2
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	b.Connect(context.Background())
	defer b.Disconnect()

	var hits sync.Map
	sub := b.Subscribe(string(models.EventTrade), 5, func(_ context.Context, e *models.StandardEvent) error {
		hits.Store(e.EventID, true)
		return nil
	})

	first := testEvent(models.EventTrade)
	require.NoError(t, b.Publish(first))
	waitFor(t, func() bool { _, ok := hits.Load(first.EventID); return ok })

	sub.Unsubscribe()
	sub.Unsubscribe() // safe twice

	second := testEvent(models.EventTrade)
	require.NoError(t, b.Publish(second))
	waitFor(t, func() bool { return b.Stats().Delivered == 2 })
	_, ok := hits.Load(second.EventID)
	assert.False(t, ok)
}

func TestSaturationDropsAndCounts(t *testing.T) {
	b := New(&Options{QueueSize: 1, PublishWait: 10 * time.Millisecond})
	b.Connect(context.Background())
	defer b.Disconnect()

	block := make(chan struct{})
	b.Subscribe(string(models.EventTrade), 5, func(context.Context, *models.StandardEvent) error {
		<-block
		return nil
	})

	// First publish is picked up by the worker and blocks; second fills the
	// queue; the third must drop.
	require.NoError(t, b.Publish(testEvent(models.EventTrade)))
	waitFor(t, func() bool { return b.Stats().QueueDepth == 0 })
	require.NoError(t, b.Publish(testEvent(models.EventTrade)))

	err := b.Publish(testEvent(models.EventTrade))
	assert.ErrorIs(t, err, ErrSaturated)
	assert.Equal(t, uint64(1), b.Stats().Dropped)
	close(block)
}

func TestHandlerErrorKeepsSubscription(t *testing.T) {
	b := New(nil)
	b.Connect(context.Background())
	defer b.Disconnect()

	calls := 0
	var mu sync.Mutex
	b.Subscribe(string(models.EventTrade), 5, func(context.Context, *models.StandardEvent) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})

	require.NoError(t, b.Publish(testEvent(models.EventTrade)))
	require.NoError(t, b.Publish(testEvent(models.EventTrade)))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
	assert.Equal(t, uint64(2), b.Stats().Errors)
}

func TestPanickingHandlerIsAbsorbed(t *testing.T) {
	b := New(nil)
	b.Connect(context.Background())
	defer b.Disconnect()

	delivered := make(chan struct{}, 1)
	b.Subscribe(string(models.EventTrade), 1, func(context.Context, *models.StandardEvent) error {
		panic("handler bug")
	})
	b.Subscribe(string(models.EventTrade), 5, func(context.Context, *models.StandardEvent) error {
		delivered <- struct{}{}
		return nil
	})

	require.NoError(t, b.Publish(testEvent(models.EventTrade)))
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran after panic in first")
	}
	assert.Equal(t, uint64(1), b.Stats().Errors)
}

func TestPublishBulkTruncatesOnSaturation(t *testing.T) {
	b := New(&Options{QueueSize: 2, PublishWait: 5 * time.Millisecond})
	b.Connect(context.Background())
	defer b.Disconnect()

	block := make(chan struct{})
	b.Subscribe(string(models.EventOHLCV), 5, func(context.Context, *models.StandardEvent) error {
		<-block
		return nil
	})

	events := make([]*models.StandardEvent, 6)
	for i := range events {
		events[i] = testEvent(models.EventOHLCV)
	}
	accepted := b.PublishBulk(events)
	assert.Less(t, accepted, len(events))
	assert.Greater(t, accepted, 0)
	close(block)
}

func TestDisconnectDrainsQueue(t *testing.T) {
	b := New(nil)
	b.Connect(context.Background())

	var mu sync.Mutex
	handled := 0
	b.Subscribe(string(models.EventTrade), 5, func(context.Context, *models.StandardEvent) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(testEvent(models.EventTrade)))
	}
	b.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, handled)
	assert.ErrorIs(t, b.Publish(testEvent(models.EventTrade)), ErrNotConnected)
}

func TestDisconnectDuringPublishStorm(t *testing.T) {
	b := New(&Options{QueueSize: 1, PublishWait: time.Millisecond, DrainTimeout: time.Second})
	b.Connect(context.Background())
	b.Subscribe(string(models.EventTrade), 5, func(context.Context, *models.StandardEvent) error {
		time.Sleep(100 * time.Microsecond)
		return nil
	})

	// Publishers keep hammering a saturated queue while Disconnect closes it;
	// every publish must resolve to nil, ErrSaturated or ErrNotConnected,
	// never a send on the closed queue.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := b.Publish(testEvent(models.EventTrade)); errors.Is(err, ErrNotConnected) {
					return
				}
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	b.Disconnect()
	wg.Wait()

	assert.ErrorIs(t, b.Publish(testEvent(models.EventTrade)), ErrNotConnected)
}

func TestStatsHandlerCount(t *testing.T) {
	b := New(nil)
	subs := make([]*Subscription, 0, 3)
	for i := 0; i < 3; i++ {
		subs = append(subs, b.Subscribe(fmt.Sprintf("type_%d", i), 5, func(context.Context, *models.StandardEvent) error { return nil }))
	}
	assert.Equal(t, 3, b.Stats().Handlers)
	subs[0].Unsubscribe()
	assert.Equal(t, 2, b.Stats().Handlers)
}
