package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalewatch/whalewatch/internal/hyperliquid"
)

// wsServer upgrades connections, records subscribe/unsubscribe requests and
// echoes a data frame back for every subscribe it sees.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	requests []hyperliquid.WSRequest
	conns    int
	open     []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.open = append(s.open, conn)
		s.mu.Unlock()
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req hyperliquid.WSRequest
			if json.Unmarshal(data, &req) != nil {
				continue
			}
			s.mu.Lock()
			s.requests = append(s.requests, req)
			s.mu.Unlock()

			if req.Method == "subscribe" && req.Subscription != nil {
				frame := hyperliquid.WSFrame{
					Channel: req.Subscription.Type,
					Data:    json.RawMessage(`{"coin":"` + req.Subscription.Coin + `"}`),
				}
				payload, _ := json.Marshal(frame)
				_ = conn.WriteMessage(websocket.TextMessage, payload)
			}
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// closeOpenConns severs every upgraded connection. httptest's
// CloseClientConnections skips hijacked connections, so websocket conns have
// to be closed directly.
func (s *wsServer) closeOpenConns() {
	s.mu.Lock()
	open := s.open
	s.open = nil
	s.mu.Unlock()
	for _, c := range open {
		_ = c.Close()
	}
}

func (s *wsServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Method)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestSubscribeDeliversFrames(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(Options{URL: srv.url()})

	var mu sync.Mutex
	var frames []json.RawMessage
	sub := hyperliquid.WSSubscription{Type: "trades", Coin: "BTC"}
	require.NoError(t, m.Subscribe(sub, func(channel string, data json.RawMessage) {
		if data == nil {
			return
		}
		mu.Lock()
		frames = append(frames, data)
		mu.Unlock()
	}))

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 1
	})
	assert.True(t, m.Connected())

	mu.Lock()
	assert.JSONEq(t, `{"coin":"BTC"}`, string(frames[0]))
	mu.Unlock()
}

func TestDuplicateSubscribeRejected(t *testing.T) {
	m := NewManager(Options{URL: "ws://unused"})
	sub := hyperliquid.WSSubscription{Type: "trades", Coin: "BTC"}
	handler := func(string, json.RawMessage) {}

	require.NoError(t, m.Subscribe(sub, handler))
	assert.Error(t, m.Subscribe(sub, handler))
}

func TestUnsubscribeSendsFrame(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(Options{URL: srv.url()})

	sub := hyperliquid.WSSubscription{Type: "l2Book", Coin: "BTC"}
	require.NoError(t, m.Subscribe(sub, func(string, json.RawMessage) {}))

	m.Start(context.Background())
	defer m.Stop()
	waitFor(t, m.Connected)
	waitFor(t, func() bool {
		for _, method := range srv.methods() {
			if method == "subscribe" {
				return true
			}
		}
		return false
	})

	require.NoError(t, m.Unsubscribe(sub))
	waitFor(t, func() bool {
		for _, method := range srv.methods() {
			if method == "unsubscribe" {
				return true
			}
		}
		return false
	})

	assert.Equal(t, 0, m.Status().Subscriptions)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(Options{
		URL:           srv.url(),
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	})

	var delivered sync.Map
	sub := hyperliquid.WSSubscription{Type: "allMids"}
	require.NoError(t, m.Subscribe(sub, func(_ string, data json.RawMessage) {
		if data != nil {
			delivered.Store(time.Now().UnixNano(), struct{}{})
		}
	}))

	m.Start(context.Background())
	defer m.Stop()
	waitFor(t, m.Connected)

	// Kill every server-side connection; the manager must dial again and
	// replay the subscription.
	srv.closeOpenConns()

	waitFor(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.conns >= 2
	})
	waitFor(t, m.Connected)

	subscribes := 0
	for _, method := range srv.methods() {
		if method == "subscribe" {
			subscribes++
		}
	}
	assert.GreaterOrEqual(t, subscribes, 2)
}

func TestStopSignalsEndOfStream(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(Options{URL: srv.url()})

	eos := make(chan struct{}, 1)
	sub := hyperliquid.WSSubscription{Type: "trades", Coin: "BTC"}
	require.NoError(t, m.Subscribe(sub, func(_ string, data json.RawMessage) {
		if data == nil {
			select {
			case eos <- struct{}{}:
			default:
			}
		}
	}))

	m.Start(context.Background())
	waitFor(t, m.Connected)
	m.Stop()

	select {
	case <-eos:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw end-of-stream")
	}
	assert.Equal(t, StateStopped, m.Status().State)
}

func TestConnectFailureExhaustsBudget(t *testing.T) {
	m := NewManager(Options{
		URL:           "ws://127.0.0.1:1", // nothing listens here
		ReconnectBase: time.Millisecond,
		ReconnectMax:  2 * time.Millisecond,
		MaxAttempts:   3,
	})

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool { return m.Status().State == StateFailed })
	assert.Equal(t, 3, m.Status().ReconnectAttempts)
	assert.False(t, m.Connected())
}

func TestDispatchRoutesUserFramesToOneHandler(t *testing.T) {
	m := NewManager(Options{})

	hits := map[string]int{}
	for _, user := range []string{"0xaaa", "0xbbb", "0xccc"} {
		user := user
		sub := hyperliquid.WSSubscription{Type: "webData2", User: user}
		require.NoError(t, m.Subscribe(sub, func(string, json.RawMessage) {
			hits[user]++
		}))
	}

	m.dispatch([]byte(`{"channel":"webData2","data":{"user":"0xbbb","clearinghouseState":{}}}`))

	assert.Equal(t, map[string]int{"0xbbb": 1}, hits)
}

func TestDispatchRoutesCandlesByInterval(t *testing.T) {
	m := NewManager(Options{})

	hits := map[string]int{}
	for _, interval := range []string{"1m", "5m", "1h"} {
		interval := interval
		sub := hyperliquid.WSSubscription{Type: "candle", Coin: "BTC", Interval: interval}
		require.NoError(t, m.Subscribe(sub, func(string, json.RawMessage) {
			hits[interval]++
		}))
	}

	m.dispatch([]byte(`{"channel":"candle","data":{"t":1700000000000,"s":"BTC","i":"5m","o":"1","c":"1","h":"1","l":"1","v":"0","n":0}}`))

	assert.Equal(t, map[string]int{"5m": 1}, hits)
}

func TestDispatchRoutesArrayPayloadsByFirstElement(t *testing.T) {
	m := NewManager(Options{})

	hits := map[string]int{}
	for _, user := range []string{"0xaaa", "0xbbb"} {
		user := user
		sub := hyperliquid.WSSubscription{Type: "orderUpdates", User: user}
		require.NoError(t, m.Subscribe(sub, func(string, json.RawMessage) {
			hits[user]++
		}))
	}

	m.dispatch([]byte(`{"channel":"orderUpdates","data":[{"order":{"coin":"BTC","oid":1},"status":"open","user":"0xAAA"}]}`))

	assert.Equal(t, map[string]int{"0xaaa": 1}, hits)
}

func TestDispatchFansOutIdentityFreePayloads(t *testing.T) {
	m := NewManager(Options{})

	hit := 0
	sub := hyperliquid.WSSubscription{Type: "notification"}
	require.NoError(t, m.Subscribe(sub, func(string, json.RawMessage) { hit++ }))

	// A bare string payload carries no identity; the channel registration
	// still sees it.
	m.dispatch([]byte(`{"channel":"notification","data":"fills pending"}`))
	assert.Equal(t, 1, hit)
}

func TestDispatchDropsFramesForUnknownIdentity(t *testing.T) {
	m := NewManager(Options{})

	hit := 0
	sub := hyperliquid.WSSubscription{Type: "webData2", User: "0xaaa"}
	require.NoError(t, m.Subscribe(sub, func(string, json.RawMessage) { hit++ }))

	m.dispatch([]byte(`{"channel":"webData2","data":{"user":"0xgone"}}`))
	assert.Zero(t, hit)
}

func TestMalformedFramesCounted(t *testing.T) {
	m := NewManager(Options{})
	m.dispatch([]byte(`not json`))
	m.dispatch([]byte(`{"no_channel":true}`))
	m.dispatch([]byte(`{"channel":"pong"}`))

	status := m.Status()
	assert.Equal(t, uint64(3), status.FramesReceived)
	assert.Equal(t, uint64(2), status.FramesMalformed)
}
