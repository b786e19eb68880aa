package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	ViewerID             string
	ViewerDisplayName    string
	Language             string
	PageSize             int
	PollInterval         time.Duration
	MaxReconnectAttempts int
}

func (c *EngineConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Language == "" {
		c.Language = "en"
	}
}

// Engine keeps local conversation state in sync with the chat backend. It
// wires realtime delivery, periodic polling and optimistic sends into one
// MessageStore and ConversationIndex.
type Engine struct {
	emitter

	cfg       EngineConfig
	transport Transport
	conn      *ConnectionManager
	store     *MessageStore
	index     *ConversationIndex
	cache     MessageCache
	log       *zap.Logger
	metrics   *Metrics
	group     singleflight.Group

	mu       sync.Mutex
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	polling  bool
	active   string
	gen      uint64
	states   map[string]ConversationState
	errs     map[string]error
	degraded bool
}

// NewEngine creates a stopped engine.
func NewEngine(transport Transport, channels ChannelFactory, cfg EngineConfig, opts ...Option) *Engine {
	cfg.defaults()
	o := buildOptions(opts)
	e := &Engine{
		emitter:   newEmitter(o.log),
		cfg:       cfg,
		transport: transport,
		conn:      NewConnectionManager(channels, cfg.MaxReconnectAttempts, opts...),
		store: NewMessageStore(transport, StoreConfig{
			ViewerID:          cfg.ViewerID,
			ViewerDisplayName: cfg.ViewerDisplayName,
			Language:          cfg.Language,
			PageSize:          cfg.PageSize,
		}, opts...),
		index:   NewConversationIndex(cfg.ViewerID, cfg.Language, opts...),
		cache:   o.cache,
		log:     o.log,
		metrics: o.metrics,
		runCtx:  context.Background(),
		states:  make(map[string]ConversationState),
		errs:    make(map[string]error),
	}
	e.conn.OnFatal(e.handleFatal)
	e.conn.OnStateChange(func(st ConnectionState) { e.emit(EventConnectionChanged, st) })
	return e
}

// Start connects the realtime channel, starts the poll loop and fetches
// the conversation list in the background. A failed connect leaves the
// engine running in poll-only mode.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	e.conn.OnMessage(e.handleInbound)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.pollLoop(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		if err := e.RefreshConversations(runCtx); err != nil && runCtx.Err() == nil {
			e.log.Warn("conversations_refresh_failed", zap.Error(err))
		}
	}()

	if err := e.conn.Connect(runCtx); err != nil {
		e.log.Warn("realtime_unavailable", zap.Error(err))
		return err
	}
	e.log.Info("engine_started", zap.String("viewer", e.cfg.ViewerID), zap.Duration("poll_interval", e.cfg.PollInterval))
	return nil
}

// Stop tears down the realtime channel, waits for background work and
// writes confirmed history to the cache.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.conn.Disconnect()

	var errs []error
	for _, id := range e.store.ConversationIDs() {
		if err := e.persist(id); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Info("engine_stopped")
	return errors.Join(errs...)
}

// ── Conversations ────────────────────────────────────────

// Open makes conversationID the active conversation: the previous room is
// left, the new one joined, unread reset and the newest page loaded. Late
// responses for a conversation that is no longer active are discarded.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	prev := e.active
	e.active = conversationID
	e.gen++
	gen := e.gen
	e.states[conversationID] = StateLoading
	delete(e.errs, conversationID)
	e.mu.Unlock()

	if prev != "" && prev != conversationID {
		if err := e.conn.LeaveRoom(prev); err != nil {
			e.log.Debug("leave_room_failed", zap.String("conversation", prev), zap.Error(err))
		}
	}
	if err := e.conn.JoinRoom(conversationID); err != nil {
		e.log.Debug("join_room_failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	e.MarkRead(conversationID)
	e.warm(conversationID)
	return e.load(ctx, conversationID, gen)
}

// Retry reloads the active conversation after a failed load.
func (e *Engine) Retry(ctx context.Context) error {
	e.mu.Lock()
	id, gen := e.active, e.gen
	if id == "" {
		e.mu.Unlock()
		return ErrNoActiveConversation
	}
	e.states[id] = StateLoading
	delete(e.errs, id)
	e.mu.Unlock()
	return e.load(ctx, id, gen)
}

func (e *Engine) load(ctx context.Context, conversationID string, gen uint64) error {
	e.emit(EventMessagesChanged, conversationID)
	_, err := e.store.Load(ctx, conversationID, LoadOptions{
		Reset:  true,
		Accept: func() bool { return e.isCurrent(conversationID, gen) },
	})
	if errors.Is(err, ErrStaleResponse) {
		e.mu.Lock()
		if e.active != conversationID && e.states[conversationID] == StateLoading {
			e.states[conversationID] = StateIdle
		}
		e.mu.Unlock()
		e.log.Debug("stale_response_dropped", zap.String("conversation", conversationID))
		return err
	}
	if err != nil {
		loadErr := &LoadError{ConversationID: conversationID, Err: err}
		e.mu.Lock()
		current := e.active == conversationID && e.gen == gen
		if current {
			e.states[conversationID] = StateIdle
			e.errs[conversationID] = loadErr
		}
		e.mu.Unlock()
		e.log.Warn("load_failed", zap.String("conversation", conversationID), zap.Error(err))
		if current {
			e.emit(EventLoadFailed, loadErr)
		}
		return loadErr
	}

	e.mu.Lock()
	if e.active == conversationID && e.gen == gen {
		e.states[conversationID] = StateReady
	}
	e.mu.Unlock()
	e.persistLogged(conversationID)
	e.log.Debug("conversation_loaded",
		zap.String("conversation", conversationID),
		zap.Int("messages", len(e.store.Messages(conversationID))))
	e.emit(EventMessagesChanged, conversationID)
	return nil
}

// LoadMore fetches the next older page of the active conversation.
func (e *Engine) LoadMore(ctx context.Context) error {
	e.mu.Lock()
	id, gen := e.active, e.gen
	st := e.states[id]
	loadErr := e.errs[id]
	e.mu.Unlock()
	switch {
	case id == "":
		return ErrNoActiveConversation
	case st == StateLoading:
		return ErrLoadInFlight
	case st != StateReady && loadErr != nil:
		return loadErr
	}

	added, err := e.store.LoadMore(ctx, id, func() bool { return e.isCurrent(id, gen) })
	if err != nil {
		if !errors.Is(err, ErrLoadInFlight) && !errors.Is(err, ErrNoMorePages) && !errors.Is(err, ErrStaleResponse) {
			e.log.Warn("load_more_failed", zap.String("conversation", id), zap.Error(err))
		}
		return err
	}
	if len(added) > 0 {
		e.persistLogged(id)
		e.emit(EventMessagesChanged, id)
	}
	return nil
}

// MarkRead resets a conversation's unread counter.
func (e *Engine) MarkRead(conversationID string) {
	e.index.MarkRead(conversationID)
	e.emit(EventConversationsChanged, nil)
}

// RefreshConversations fetches the conversation list. Concurrent calls share
// one request.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	_, err, shared := e.group.Do("conversations", func() (any, error) {
		convs, err := e.transport.FetchConversations(ctx, e.cfg.ViewerID)
		if err != nil {
			return nil, err
		}
		e.index.Seed(convs)
		return len(convs), nil
	})
	if err != nil {
		return err
	}
	if !shared {
		e.emit(EventConversationsChanged, nil)
	}
	return nil
}

// ── Sending ──────────────────────────────────────────────

// Send posts text to the active conversation.
func (e *Engine) Send(ctx context.Context, text string) (*Message, error) {
	id := e.Active()
	if id == "" {
		return nil, ErrNoActiveConversation
	}
	return e.SendTo(ctx, id, text)
}

// SendTo posts text to conversationID. A pending entry is shown at once and
// replaced in place by the server's message; on failure it is removed and a
// *SendError is returned and emitted.
func (e *Engine) SendTo(ctx context.Context, conversationID, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		e.metrics.incSend("rejected")
		return nil, ErrEmptyMessage
	}
	tempID := e.store.AppendOptimistic(conversationID, text, e.cfg.ViewerID)
	e.emit(EventMessagesChanged, conversationID)

	msg, err := e.transport.SendMessage(ctx, conversationID, text)
	if err != nil {
		e.store.Reconcile(conversationID, tempID, SendResult{Err: err})
		sendErr := &SendError{TempID: tempID, ConversationID: conversationID, Text: text, Err: err}
		e.metrics.incSend("failed")
		e.log.Warn("send_failed", zap.String("conversation", conversationID), zap.String("temp_id", tempID), zap.Error(err))
		e.emit(EventMessagesChanged, conversationID)
		e.emit(EventSendFailed, sendErr)
		return nil, sendErr
	}

	if _, err := e.store.Reconcile(conversationID, tempID, SendResult{Message: msg}); err != nil {
		return nil, err
	}
	e.index.UpsertFromSend(conversationID, *msg)
	e.metrics.incSend("ok")
	e.log.Debug("message_sent", zap.String("conversation", conversationID), zap.String("message_id", msg.ID))
	e.persistLogged(conversationID)
	e.emit(EventMessagesChanged, conversationID)
	e.emit(EventConversationsChanged, nil)
	return msg, nil
}

// ── Inbound ──────────────────────────────────────────────

func (e *Engine) handleInbound(msg Message) {
	if msg.ConversationID == "" {
		e.log.Warn("inbound_without_conversation", zap.String("message_id", msg.ID))
		return
	}
	if _, added := e.store.ApplyInbound(msg); !added {
		return
	}
	active := e.Active() == msg.ConversationID
	created := e.index.ProjectInbound(msg.ConversationID, msg, active)
	e.emit(EventMessagesChanged, msg.ConversationID)
	e.emit(EventConversationsChanged, nil)

	if created {
		e.mu.Lock()
		ctx, running := e.runCtx, e.started
		if running {
			e.wg.Add(1)
		}
		e.mu.Unlock()
		if !running {
			return
		}
		go func() {
			defer e.wg.Done()
			if err := e.RefreshConversations(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn("conversations_refresh_failed", zap.Error(err))
			}
		}()
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Poll(ctx)
		}
	}
}

// Poll re-fetches the newest page of the active conversation and merges it
// by id. It never changes the conversation state and never drops pending
// entries.
func (e *Engine) Poll(ctx context.Context) {
	e.mu.Lock()
	id, gen := e.active, e.gen
	if id == "" || e.polling || e.states[id] != StateReady {
		e.mu.Unlock()
		return
	}
	e.polling = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.polling = false
		e.mu.Unlock()
	}()

	added, err := e.store.Load(ctx, id, LoadOptions{Accept: func() bool { return e.isCurrent(id, gen) }})
	if errors.Is(err, ErrStaleResponse) {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			e.metrics.incPoll("error")
			e.log.Debug("poll_failed", zap.String("conversation", id), zap.Error(err))
		}
		return
	}
	e.metrics.incPoll("ok")
	if len(added) == 0 {
		return
	}
	for _, m := range added {
		e.index.ProjectInbound(id, m, e.Active() == id)
	}
	e.persistLogged(id)
	e.log.Debug("poll_merged", zap.String("conversation", id), zap.Int("added", len(added)))
	e.emit(EventMessagesChanged, id)
	e.emit(EventConversationsChanged, nil)
}

// ── Connectivity ─────────────────────────────────────────

func (e *Engine) handleFatal(err error) {
	e.mu.Lock()
	if e.degraded {
		e.mu.Unlock()
		return
	}
	e.degraded = true
	e.mu.Unlock()
	e.log.Warn("connectivity_degraded", zap.Error(err))
	e.emit(EventConnectivityDegraded, err)
}

// Reconnect opens a new realtime channel, typically after the reconnect
// bound was exhausted. Rooms and subscribers are kept.
func (e *Engine) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	e.degraded = false
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx.Err() != nil {
		runCtx = ctx
	}
	return e.conn.Connect(runCtx)
}

// Degraded reports whether the engine runs on polling only.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// SetLanguage re-resolves every loaded message and preview for lang.
func (e *Engine) SetLanguage(lang string) {
	if lang == "" {
		lang = "en"
	}
	e.mu.Lock()
	e.cfg.Language = lang
	e.mu.Unlock()
	e.store.SetLanguage(lang)
	e.index.SetLanguage(lang)
	for _, id := range e.store.ConversationIDs() {
		e.emit(EventMessagesChanged, id)
	}
	e.emit(EventConversationsChanged, nil)
}

// ── Snapshots ────────────────────────────────────────────

// Active returns the active conversation id.
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// State returns the load state of a conversation.
func (e *Engine) State(conversationID string) ConversationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[conversationID]; ok {
		return st
	}
	return StateIdle
}

// Err returns the last load error of a conversation, if any.
func (e *Engine) Err(conversationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errs[conversationID]
}

func (e *Engine) Messages(conversationID string) []Entry { return e.store.Messages(conversationID) }

func (e *Engine) Cursor(conversationID string) Cursor { return e.store.Cursor(conversationID) }

func (e *Engine) Conversations() []Conversation { return e.index.Conversations() }

func (e *Engine) Conversation(conversationID string) (Conversation, bool) {
	return e.index.Get(conversationID)
}

func (e *Engine) UnreadTotal() int { return e.index.UnreadTotal() }

func (e *Engine) ConnectionState() ConnectionState { return e.conn.State() }

func (e *Engine) isCurrent(conversationID string, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active == conversationID && e.gen == gen
}

// ── Cache ────────────────────────────────────────────────

func (e *Engine) warm(conversationID string) {
	msgs, err := e.cache.Load(conversationID)
	if err != nil {
		e.log.Warn("cache_read_failed", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	if e.store.Warm(conversationID, msgs) {
		e.log.Debug("cache_warmed", zap.String("conversation", conversationID), zap.Int("messages", len(msgs)))
		e.emit(EventMessagesChanged, conversationID)
	}
}

func (e *Engine) persist(conversationID string) error {
	msgs := e.store.Confirmed(conversationID)
	if len(msgs) == 0 {
		return nil
	}
	return e.cache.Save(conversationID, msgs)
}

func (e *Engine) persistLogged(conversationID string) {
	if err := e.persist(conversationID); err != nil {
		e.log.Warn("cache_write_failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}
