package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Lifecycle events emitted by a Channel, next to the server's own event types.
// reconnect_failed is dispatched once when the channel stops retrying.
const (
	ChannelConnect         = "connect"
	ChannelDisconnect      = "disconnect"
	ChannelConnectError    = "connect_error"
	ChannelReconnectFailed = "reconnect_failed"
	ChannelNewMessage      = "new-message"
)

// Commands understood by the realtime server.
const (
	CommandJoinRoom  = "join-room"
	CommandLeaveRoom = "leave-room"
)

// ChannelHandler receives one realtime event.
type ChannelHandler func(event string, payload json.RawMessage)

// Channel is a push connection to the chat backend. Handlers are invoked in
// arrival order from the channel's own goroutine.
type Channel interface {
	On(event string, h ChannelHandler)
	// Off removes every handler of event.
	Off(event string)
	RemoveAllListeners()
	// Open starts connecting in the background. Progress is reported through
	// the connect, connect_error and disconnect events.
	Open(ctx context.Context) error
	Emit(ctx context.Context, event string, payload any) error
	Connected() bool
	Close() error
}

// ChannelFactory creates a fresh, unopened Channel.
type ChannelFactory func() Channel

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format of every realtime frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomPayload is the body of join-room and leave-room.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// AuthenticatedPayload is the first frame the server sends.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a WSChannel.
type ChannelConfig struct {
	// URL is the ws:// or wss:// endpoint, without the token.
	URL                  string
	Token                string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

const DefaultMaxReconnectAttempts = 5

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a WebSocket Channel with heartbeat and bounded auto-reconnect.
type WSChannel struct {
	config ChannelConfig
	log    *zap.Logger
	recon  *reconnector

	hmu      sync.RWMutex
	handlers map[string][]ChannelHandler

	mu       sync.Mutex
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	opened   bool
	closed   bool
}

// NewWSChannel creates an unopened channel.
func NewWSChannel(config ChannelConfig) *WSChannel {
	cfg := config
	cfg.defaults()
	return &WSChannel{
		config:   cfg,
		log:      cfg.Logger,
		recon:    newReconnector(&cfg),
		handlers: make(map[string][]ChannelHandler),
	}
}

// WSChannelFactory returns a factory producing channels with config.
func WSChannelFactory(config ChannelConfig) ChannelFactory {
	return func() Channel { return NewWSChannel(config) }
}

func (ch *WSChannel) On(event string, h ChannelHandler) {
	ch.hmu.Lock()
	ch.handlers[event] = append(ch.handlers[event], h)
	ch.hmu.Unlock()
}

func (ch *WSChannel) Off(event string) {
	ch.hmu.Lock()
	delete(ch.handlers, event)
	ch.hmu.Unlock()
}

func (ch *WSChannel) RemoveAllListeners() {
	ch.hmu.Lock()
	ch.handlers = make(map[string][]ChannelHandler)
	ch.hmu.Unlock()
}

func (ch *WSChannel) dispatch(event string, payload json.RawMessage) {
	ch.hmu.RLock()
	handlers := append([]ChannelHandler(nil), ch.handlers[event]...)
	ch.hmu.RUnlock()
	for _, h := range handlers {
		h(event, payload)
	}
}

// Connected reports whether an authenticated connection is up.
func (ch *WSChannel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// Open starts the connection loop. A channel can be opened once.
func (ch *WSChannel) Open(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("channel closed")
	}
	if ch.opened {
		return nil
	}
	ch.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	ch.cancelFn = cancel
	go ch.run(runCtx)
	return nil
}

// Close stops the connection loop. It does not wait for it to exit, so it
// is safe to call from a handler.
func (ch *WSChannel) Close() error {
	ch.mu.Lock()
	ch.closed = true
	cancel := ch.cancelFn
	ch.cancelFn = nil
	ch.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Emit sends a command envelope.
func (ch *WSChannel) Emit(ctx context.Context, event string, payload any) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return wsjson.Write(ctx, conn, Envelope{Type: event, Payload: data})
}

func (ch *WSChannel) run(ctx context.Context) {
	for {
		err := ch.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			ch.log.Warn("realtime_connect_failed", zap.Error(err), zap.Int("attempt", ch.recon.attempt+1))
			ch.dispatch(ChannelConnectError, jsonString(err.Error()))
		}
		if !ch.recon.shouldReconnect() {
			ch.log.Warn("realtime_reconnect_stopped", zap.Int("attempts", ch.recon.attempt))
			ch.dispatch(ChannelReconnectFailed, jsonString(fmt.Sprintf("gave up after %d attempts", ch.recon.attempt)))
			return
		}
		delay := ch.recon.nextDelay()
		ch.log.Debug("realtime_reconnecting", zap.Duration("delay", delay), zap.Int("attempt", ch.recon.attempt))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session dials, authenticates and reads until the connection drops. It
// returns an error only when no connection was established.
func (ch *WSChannel) session(ctx context.Context) error {
	conn, auth, err := ch.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
	ch.recon.reset()
	ch.log.Info("realtime_connected")
	ch.dispatch(ChannelConnect, auth)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go ch.heartbeatLoop(hbCtx, conn)

	reason := ch.readLoop(ctx, conn)
	stopHeartbeat()

	ch.mu.Lock()
	ch.conn = nil
	ch.mu.Unlock()
	if ctx.Err() == nil {
		ch.log.Info("realtime_disconnected", zap.String("reason", reason))
	}
	ch.dispatch(ChannelDisconnect, jsonString(reason))
	return nil
}

func (ch *WSChannel) dial(ctx context.Context) (*websocket.Conn, json.RawMessage, error) {
	u := ch.config.URL
	if ch.config.Token != "" {
		u += "?token=" + url.QueryEscape(ch.config.Token)
	}
	hsCtx, cancel := context.WithTimeout(ctx, ch.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hsCtx, u, &websocket.DialOptions{HTTPClient: ch.config.HTTPClient})
	if err != nil {
		return nil, nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// First frame must be "authenticated".
	var env Envelope
	if err := wsjson.Read(hsCtx, conn, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("read auth message: %w", err)
	}
	if env.Type != "authenticated" {
		conn.Close(websocket.StatusPolicyViolation, "unauthenticated")
		return nil, nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, env.Payload, nil
}

func (ch *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) string {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "client disconnect"
			}
			return err.Error()
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			ch.log.Debug("realtime_frame_dropped", zap.Int("bytes", len(data)))
			continue
		}
		ch.dispatch(env.Type, env.Payload)
	}
}

func (ch *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				ch.log.Warn("realtime_heartbeat_failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
