package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MessageHandler receives inbound realtime messages.
type MessageHandler func(Message)

// Subscription identifies a handler registered with OnMessage.
type Subscription uint64

type subscriber struct {
	id Subscription
	h  MessageHandler
}

// ConnectionManager owns the realtime channel: connect, bounded reconnect,
// room membership and a single dispatcher fanning inbound messages out to
// subscribers.
type ConnectionManager struct {
	factory     ChannelFactory
	maxAttempts int
	emitTimeout time.Duration
	log         *zap.Logger
	metrics     *Metrics

	mu        sync.Mutex
	ctx       context.Context
	ch        Channel
	status    ConnectionStatus
	attempts  int
	exhausted bool
	armed     bool
	rooms     []string // wanted rooms, in join order
	joined    map[string]bool
	subs      []subscriber
	nextSub   Subscription
	onFatal   []func(error)
	onState   []func(ConnectionState)
}

// NewConnectionManager creates a disconnected manager. maxAttempts bounds
// consecutive failed connects; zero means DefaultMaxReconnectAttempts.
func NewConnectionManager(factory ChannelFactory, maxAttempts int, opts ...Option) *ConnectionManager {
	o := buildOptions(opts)
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	return &ConnectionManager{
		factory:     factory,
		maxAttempts: maxAttempts,
		emitTimeout: 5 * time.Second,
		log:         o.log,
		metrics:     o.metrics,
		ctx:         context.Background(),
		status:      StatusDisconnected,
		joined:      make(map[string]bool),
	}
}

// Connect opens the realtime channel. It is a no-op while a channel is
// connected or connecting. A stale channel is stripped of its listeners
// before it is closed so it can never dispatch again.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.ch != nil && m.status != StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	stale := m.ch
	ch := m.factory()
	m.ch = ch
	m.ctx = ctx
	m.status = StatusConnecting
	m.attempts = 0
	m.exhausted = false
	m.armed = false
	m.joined = make(map[string]bool)
	m.mu.Unlock()

	if stale != nil {
		stale.RemoveAllListeners()
		stale.Close()
	}

	ch.On(ChannelConnect, func(string, json.RawMessage) { m.handleConnect(ch) })
	ch.On(ChannelDisconnect, func(_ string, reason json.RawMessage) { m.handleDisconnect(ch, reason) })
	ch.On(ChannelConnectError, func(_ string, reason json.RawMessage) { m.handleConnectError(ch, reason) })
	ch.On(ChannelReconnectFailed, func(string, json.RawMessage) { m.handleReconnectFailed(ch) })
	m.publish()

	if err := ch.Open(ctx); err != nil {
		m.mu.Lock()
		if m.ch == ch {
			m.ch = nil
			m.status = StatusDisconnected
		}
		m.mu.Unlock()
		ch.RemoveAllListeners()
		m.publish()
		return fmt.Errorf("open realtime channel: %w", err)
	}
	return nil
}

func (m *ConnectionManager) handleConnect(ch Channel) {
	m.mu.Lock()
	if m.ch != ch {
		m.mu.Unlock()
		return
	}
	m.status = StatusConnected
	m.attempts = 0
	m.exhausted = false
	m.arm(ch)
	rooms := append([]string(nil), m.rooms...)
	m.mu.Unlock()

	m.log.Info("realtime_connected", zap.Int("rooms", len(rooms)))
	for _, id := range rooms {
		m.emitJoin(ch, id)
	}
	m.publish()
}

// arm registers the inbound dispatcher once per connection. Callers hold m.mu.
func (m *ConnectionManager) arm(ch Channel) {
	if m.armed {
		return
	}
	ch.Off(ChannelNewMessage)
	ch.On(ChannelNewMessage, func(_ string, payload json.RawMessage) { m.dispatch(payload) })
	m.armed = true
}

func (m *ConnectionManager) handleDisconnect(ch Channel, reason json.RawMessage) {
	m.mu.Lock()
	if m.ch != ch {
		m.mu.Unlock()
		return
	}
	m.status = StatusDisconnected
	m.armed = false
	ch.Off(ChannelNewMessage)
	m.joined = make(map[string]bool)
	m.mu.Unlock()

	m.log.Info("realtime_disconnected", zap.String("reason", decodeReason(reason)))
	m.publish()
}

func (m *ConnectionManager) handleConnectError(ch Channel, reason json.RawMessage) {
	m.mu.Lock()
	if m.ch != ch || m.exhausted {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempts := m.attempts
	fatal := attempts >= m.maxAttempts
	var hooks []func(error)
	if fatal {
		hooks = m.exhaustLocked()
	}
	m.mu.Unlock()

	m.metrics.incReconnect()
	m.log.Warn("realtime_connect_error",
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", m.maxAttempts),
		zap.String("reason", decodeReason(reason)))

	if fatal {
		m.fail(ch, attempts, hooks)
	}
	m.publish()
}

// handleReconnectFailed runs when the channel stops retrying on its own,
// before this manager reached its bound. The manager owns the bound, so a
// channel giving up is treated as exhaustion.
func (m *ConnectionManager) handleReconnectFailed(ch Channel) {
	m.mu.Lock()
	if m.ch != ch || m.exhausted {
		m.mu.Unlock()
		return
	}
	attempts := m.attempts
	hooks := m.exhaustLocked()
	m.mu.Unlock()

	m.fail(ch, attempts, hooks)
	m.publish()
}

// exhaustLocked marks the manager exhausted and detaches the channel. Callers hold m.mu.
func (m *ConnectionManager) exhaustLocked() []func(error) {
	m.exhausted = true
	m.status = StatusDisconnected
	m.armed = false
	m.joined = make(map[string]bool)
	m.ch = nil
	var hooks []func(error)
	return append(hooks, m.onFatal...)
}

func (m *ConnectionManager) fail(ch Channel, attempts int, hooks []func(error)) {
	ch.RemoveAllListeners()
	ch.Close()
	m.metrics.incExhausted()
	m.log.Error("realtime_exhausted", zap.Int("attempts", attempts), zap.Error(ErrConnectivityExhausted))
	for _, h := range hooks {
		h(ErrConnectivityExhausted)
	}
}

func (m *ConnectionManager) dispatch(payload json.RawMessage) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		m.log.Warn("realtime_message_dropped", zap.Error(err))
		return
	}
	m.mu.Lock()
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()
	for _, s := range subs {
		s.h(msg)
	}
}

// JoinRoom subscribes to a conversation's realtime room. While the channel
// is not connected the join is queued and sent on the next connect. Joined
// rooms are rejoined after every reconnect.
func (m *ConnectionManager) JoinRoom(conversationID string) error {
	m.mu.Lock()
	if !containsString(m.rooms, conversationID) {
		m.rooms = append(m.rooms, conversationID)
	}
	ch := m.ch
	connected := m.status == StatusConnected && ch != nil && !m.joined[conversationID]
	m.mu.Unlock()

	// The socket can drop before the disconnect event is handled; the room
	// stays wanted and is joined on the next connect.
	if !connected || !ch.Connected() {
		m.log.Debug("room_join_queued", zap.String("conversation", conversationID))
		return nil
	}
	err := m.emitJoin(ch, conversationID)
	m.publish()
	return err
}

func (m *ConnectionManager) emitJoin(ch Channel, conversationID string) error {
	ctx, cancel := context.WithTimeout(m.emitContext(), m.emitTimeout)
	defer cancel()
	if err := ch.Emit(ctx, CommandJoinRoom, RoomPayload{ConversationID: conversationID}); err != nil {
		m.log.Warn("room_join_failed", zap.String("conversation", conversationID), zap.Error(err))
		return fmt.Errorf("join room %s: %w", conversationID, err)
	}
	m.mu.Lock()
	if m.ch == ch && containsString(m.rooms, conversationID) {
		m.joined[conversationID] = true
	}
	m.mu.Unlock()
	m.log.Debug("room_joined", zap.String("conversation", conversationID))
	return nil
}

// LeaveRoom drops a conversation's room. The leave command is only sent
// when the channel is connected.
func (m *ConnectionManager) LeaveRoom(conversationID string) error {
	m.mu.Lock()
	m.rooms = removeString(m.rooms, conversationID)
	ch := m.ch
	wasJoined := m.joined[conversationID]
	delete(m.joined, conversationID)
	connected := m.status == StatusConnected && ch != nil
	m.mu.Unlock()

	if !connected || !wasJoined || !ch.Connected() {
		m.publish()
		return nil
	}
	ctx, cancel := context.WithTimeout(m.emitContext(), m.emitTimeout)
	defer cancel()
	err := ch.Emit(ctx, CommandLeaveRoom, RoomPayload{ConversationID: conversationID})
	m.publish()
	if err != nil {
		m.log.Warn("room_leave_failed", zap.String("conversation", conversationID), zap.Error(err))
		return fmt.Errorf("leave room %s: %w", conversationID, err)
	}
	return nil
}

// OnMessage registers h with the dispatcher. Every subscriber receives every
// inbound message once.
func (m *ConnectionManager) OnMessage(h MessageHandler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	m.subs = append(m.subs, subscriber{id: m.nextSub, h: h})
	return m.nextSub
}

// OffMessage removes the given subscriptions, or every subscription when
// called without arguments.
func (m *ConnectionManager) OffMessage(subs ...Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(subs) == 0 {
		m.subs = nil
		return
	}
	kept := m.subs[:0]
	for _, s := range m.subs {
		drop := false
		for _, id := range subs {
			if s.id == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	m.subs = kept
}

// OnFatal registers h to be told once when reconnect attempts are exhausted.
func (m *ConnectionManager) OnFatal(h func(error)) {
	m.mu.Lock()
	m.onFatal = append(m.onFatal, h)
	m.mu.Unlock()
}

// OnStateChange registers h to receive every ConnectionState transition.
func (m *ConnectionManager) OnStateChange(h func(ConnectionState)) {
	m.mu.Lock()
	m.onState = append(m.onState, h)
	m.mu.Unlock()
}

// Disconnect closes the channel and clears rooms and subscribers. It is safe
// to call when not connected.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	ch := m.ch
	m.ch = nil
	m.status = StatusDisconnected
	m.attempts = 0
	m.armed = false
	m.rooms = nil
	m.joined = make(map[string]bool)
	m.subs = nil
	m.mu.Unlock()

	if ch != nil {
		ch.RemoveAllListeners()
		ch.Close()
		m.log.Info("realtime_closed")
	}
	m.publish()
}

// State returns a snapshot of the connection.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state()
}

func (m *ConnectionManager) state() ConnectionState {
	active := make([]string, 0, len(m.joined))
	for _, id := range m.rooms {
		if m.joined[id] {
			active = append(active, id)
		}
	}
	return ConnectionState{
		Status:            m.status,
		ReconnectAttempts: m.attempts,
		ActiveRooms:       active,
		Exhausted:         m.exhausted,
	}
}

func (m *ConnectionManager) publish() {
	m.mu.Lock()
	st := m.state()
	var hooks []func(ConnectionState)
	hooks = append(hooks, m.onState...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(st)
	}
}

func (m *ConnectionManager) emitContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return context.Background()
	}
	return m.ctx
}

func decodeReason(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
