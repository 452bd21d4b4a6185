// Package ws maintains the single outbound WebSocket connection to the
// exchange, multiplexes all channel subscriptions on it, and dispatches each
// incoming frame to its registered handler. Reconnection uses exponential
// backoff with jitter; subscriptions are replayed on every reconnect, so
// handlers must be idempotent.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/net/backoff"
)

// ConnState is the manager's connection state.
type ConnState string

const (
	StateInit         ConnState = "INIT"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
	StateFailed       ConnState = "FAILED"
	StateStopped      ConnState = "STOPPED"
)

// FrameHandler consumes the data payload of frames on one channel. A nil
// payload signals end-of-stream on Stop. Declared as an alias so collectors
// can depend on the shape without importing this package.
type FrameHandler = func(channel string, data json.RawMessage)

// Options tune the manager.
type Options struct {
	URL               string
	HeartbeatInterval time.Duration // default 30s
	ReconnectBase     time.Duration // default 1s
	ReconnectMax      time.Duration // default 30s
	MaxAttempts       int           // consecutive failures before FAILED, default 10
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectBase == 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	return o
}

// Status is a point-in-time view of the connection.
type Status struct {
	State             ConnState `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastFrame         time.Time `json:"last_frame"`
	Subscriptions     int       `json:"subscriptions"`
	FramesReceived    uint64    `json:"frames_received"`
	FramesMalformed   uint64    `json:"frames_malformed"`
}

type registration struct {
	sub     hyperliquid.WSSubscription
	handler FrameHandler
}

// Manager owns the connection and the subscription registry.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	state    ConnState
	conn     *websocket.Conn
	regs     map[string]registration // key -> registration
	byChan   map[string][]string     // channel type -> registration keys
	attempts int

	lastFrame atomic.Int64
	frames    atomic.Uint64
	malformed atomic.Uint64

	cancel context.CancelFunc
	donech chan struct{}
	wmu    sync.Mutex // serializes writes to conn
}

// NewManager creates a manager in the INIT state.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:   opts.withDefaults(),
		state:  StateInit,
		regs:   make(map[string]registration),
		byChan: make(map[string][]string),
	}
}

// Start opens the connection and begins the read loop. Non-blocking.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.donech = make(chan struct{})
	m.mu.Unlock()
	go m.run(runCtx)
}

// Stop closes the connection cleanly; handlers see an end-of-stream signal.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.donech
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	m.mu.RLock()
	regs := make([]registration, 0, len(m.regs))
	for _, r := range m.regs {
		regs = append(regs, r)
	}
	m.mu.RUnlock()
	for _, r := range regs {
		r.handler(r.sub.Type, nil)
	}
	m.setState(StateStopped)
}

// Subscribe registers a handler for a channel subscription. If connected, the
// subscribe frame goes out immediately; otherwise it is queued until connect.
func (m *Manager) Subscribe(sub hyperliquid.WSSubscription, handler FrameHandler) error {
	key := sub.Key()
	m.mu.Lock()
	if _, exists := m.regs[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("already subscribed: %s", key)
	}
	m.regs[key] = registration{sub: sub, handler: handler}
	m.byChan[sub.Type] = append(m.byChan[sub.Type], key)
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		return m.send(hyperliquid.WSRequest{Method: "subscribe", Subscription: &sub})
	}
	return nil
}

// Unsubscribe removes a handler and sends an unsubscribe frame if connected.
func (m *Manager) Unsubscribe(sub hyperliquid.WSSubscription) error {
	key := sub.Key()
	m.mu.Lock()
	_, exists := m.regs[key]
	delete(m.regs, key)
	keys := m.byChan[sub.Type]
	for i, k := range keys {
		if k == key {
			m.byChan[sub.Type] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !exists {
		return nil
	}
	if connected {
		return m.send(hyperliquid.WSRequest{Method: "unsubscribe", Subscription: &sub})
	}
	return nil
}

// Status reports connection state and counters.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		LastFrame:         time.UnixMilli(m.lastFrame.Load()),
		Subscriptions:     len(m.regs),
		FramesReceived:    m.frames.Load(),
		FramesMalformed:   m.malformed.Load(),
	}
}

// Connected reports whether the socket is up.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// run is the connect/read/reconnect loop.
func (m *Manager) run(ctx context.Context) {
	defer close(m.donech)
	policy := backoff.Policy{BaseDelay: m.opts.ReconnectBase, MaxDelay: m.opts.ReconnectMax, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			m.mu.Lock()
			m.attempts++
			attempts := m.attempts
			m.mu.Unlock()

			if attempts >= m.opts.MaxAttempts {
				m.setState(StateFailed)
				log.Error().Int("attempts", attempts).Msg("websocket reconnect budget exhausted")
				return
			}
			delay := policy.Delay(attempts - 1)
			log.Warn().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("websocket connect failed")
			m.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		m.state = StateConnected
		m.mu.Unlock()
		m.lastFrame.Store(time.Now().UnixMilli())

		if err := m.replaySubscriptions(); err != nil {
			log.Warn().Err(err).Msg("failed to replay subscriptions")
		}

		m.readUntilClosed(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.setState(StateReconnecting)
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	log.Info().Str("url", m.opts.URL).Msg("connecting to exchange websocket")
	conn, _, err := dialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// replaySubscriptions re-sends every registered subscription after a
// (re)connect.
func (m *Manager) replaySubscriptions() error {
	m.mu.RLock()
	subs := make([]hyperliquid.WSSubscription, 0, len(m.regs))
	for _, r := range m.regs {
		subs = append(subs, r.sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		s := sub
		if err := m.send(hyperliquid.WSRequest{Method: "subscribe", Subscription: &s}); err != nil {
			return err
		}
	}
	log.Info().Int("subscriptions", len(subs)).Msg("websocket subscriptions replayed")
	return nil
}

func (m *Manager) send(req hyperliquid.WSRequest) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal ws request: %w", err)
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send ws request: %w", err)
	}
	return nil
}

// readUntilClosed reads frames and runs the heartbeat until the connection
// dies or ctx is cancelled. Silence for 2x the heartbeat interval forces a
// reconnect.
func (m *Manager) readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go m.pingLoop(ctx, conn, pingDone)

	conn.SetPongHandler(func(string) error {
		m.lastFrame.Store(time.Now().UnixMilli())
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * m.opts.HeartbeatInterval))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("websocket read failed, reconnecting")
			}
			return
		}
		m.lastFrame.Store(time.Now().UnixMilli())
		if msgType != websocket.TextMessage {
			continue
		}
		m.dispatch(data)
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			// Protocol-level ping frame; Hyperliquid also accepts the
			// {"method":"ping"} text frame, send both for safety.
			m.wmu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.wmu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("websocket ping failed")
				return
			}
			_ = m.send(hyperliquid.WSRequest{Method: "ping"})
		}
	}
}

// dispatch routes one frame to the handler whose subscription identity it
// matches; channels that share one identity-free payload shape fan out to
// every registration. Malformed frames are logged, counted and dropped.
func (m *Manager) dispatch(data []byte) {
	m.frames.Add(1)

	var frame hyperliquid.WSFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Channel == "" {
		m.malformed.Add(1)
		log.Debug().Err(err).Msg("malformed websocket frame dropped")
		return
	}
	if frame.Channel == "subscriptionResponse" || frame.Channel == "pong" {
		return
	}

	key, exact := routeKey(frame.Channel, frame.Data)
	m.mu.RLock()
	var handlers []FrameHandler
	if exact {
		if r, ok := m.regs[key]; ok {
			handlers = []FrameHandler{r.handler}
		}
	} else {
		keys := m.byChan[frame.Channel]
		handlers = make([]FrameHandler, 0, len(keys))
		for _, k := range keys {
			if r, ok := m.regs[k]; ok {
				handlers = append(handlers, r.handler)
			}
		}
	}
	m.mu.RUnlock()

	if len(handlers) == 0 {
		log.Debug().Str("channel", frame.Channel).Msg("frame for unregistered channel dropped")
		return
	}
	for _, h := range handlers {
		h(frame.Channel, frame.Data)
	}
}

// routeFields are the identity fields a payload may carry: coin under either
// name, the candle interval, and the user address on per-trader channels.
type routeFields struct {
	Coin     string `json:"coin"`
	S        string `json:"s"`
	Interval string `json:"i"`
	User     string `json:"user"`
}

// routeKey rebuilds the subscription key a frame belongs to from its payload.
// Array payloads take their identity from the first element. A false return
// means the payload shape carried no identity and the frame must fan out.
func routeKey(channel string, data json.RawMessage) (string, bool) {
	var f routeFields
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []routeFields
		if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) == 0 {
			return "", false
		}
		f = arr[0]
	} else if err := json.Unmarshal(trimmed, &f); err != nil {
		return "", false
	}

	coin := f.Coin
	if coin == "" {
		coin = f.S
	}
	sub := hyperliquid.WSSubscription{
		Type:     channel,
		Coin:     coin,
		Interval: f.Interval,
		User:     strings.ToLower(f.User),
	}
	return sub.Key(), true
}
