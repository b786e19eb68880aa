package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPageSize is the history page size used when none is configured.
const DefaultPageSize = 50

// StoreConfig configures a MessageStore.
type StoreConfig struct {
	ViewerID          string
	ViewerDisplayName string
	Language          string
	PageSize          int
}

func (c *StoreConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Language == "" {
		c.Language = "en"
	}
}

// LoadOptions controls MessageStore.Load.
type LoadOptions struct {
	// Reset replaces the in-memory log instead of merging into it.
	Reset bool
	// Accept is consulted after the fetch returns; when it reports false
	// the response is discarded with ErrStaleResponse.
	Accept func() bool
}

// SendResult is the outcome of a send, fed to Reconcile.
type SendResult struct {
	Message *Message
	Err     error
}

// MessageStore owns the message log and pagination cursor of every
// conversation. All mutations go through its methods.
type MessageStore struct {
	transport Transport
	cfg       StoreConfig
	log       *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	mu     sync.Mutex
	viewer renderer
	logs   map[string]*MessageLog
}

// NewMessageStore creates a store that fetches history through transport.
func NewMessageStore(transport Transport, cfg StoreConfig, opts ...Option) *MessageStore {
	cfg.defaults()
	o := buildOptions(opts)
	return &MessageStore{
		transport: transport,
		cfg:       cfg,
		log:       o.log,
		metrics:   o.metrics,
		now:       o.now,
		viewer:    renderer{viewerID: cfg.ViewerID, language: cfg.Language},
		logs:      make(map[string]*MessageLog),
	}
}

func (s *MessageStore) logFor(conversationID string) *MessageLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = newMessageLog(conversationID, s.cfg.PageSize)
		s.logs[conversationID] = l
	}
	return l
}

// Load fetches the newest page. With Reset the log is replaced; otherwise
// the page is merged by id so pending and realtime entries survive. The
// returned slice holds the messages that were not already in the log.
func (s *MessageStore) Load(ctx context.Context, conversationID string, opts LoadOptions) ([]Message, error) {
	page, err := s.transport.FetchMessages(ctx, conversationID, 1, s.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	if opts.Accept != nil && !opts.Accept() {
		return nil, ErrStaleResponse
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(conversationID)
	if opts.Reset {
		l.replace(page.Items, hasMore(page, s.cfg.PageSize), s.viewer)
		return append([]Message(nil), page.Items...), nil
	}
	var added []Message
	for _, m := range page.Items {
		if l.merge(m, s.viewer) {
			added = append(added, m)
		}
	}
	if l.cursor.LoadedPageCount == 0 {
		l.cursor.LoadedPageCount = 1
		l.cursor.HasMore = hasMore(page, s.cfg.PageSize)
	}
	return added, nil
}

// LoadMore fetches the next older page and puts it in front of the log.
// A call made while another is in flight for the same conversation fails
// with ErrLoadInFlight; once history is exhausted it fails with ErrNoMorePages.
func (s *MessageStore) LoadMore(ctx context.Context, conversationID string, accept func() bool) ([]Message, error) {
	s.mu.Lock()
	l := s.logFor(conversationID)
	if l.loadingMore {
		s.mu.Unlock()
		return nil, ErrLoadInFlight
	}
	if !l.cursor.HasMore {
		s.mu.Unlock()
		return nil, ErrNoMorePages
	}
	l.loadingMore = true
	next := l.cursor.LoadedPageCount + 1
	s.mu.Unlock()

	page, err := s.transport.FetchMessages(ctx, conversationID, next, s.cfg.PageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	l.loadingMore = false
	if err != nil {
		return nil, err
	}
	if accept != nil && !accept() {
		return nil, ErrStaleResponse
	}
	added := l.prepend(page.Items, s.viewer)
	l.cursor.LoadedPageCount = next
	l.cursor.HasMore = hasMore(page, s.cfg.PageSize)
	s.log.Debug("page_loaded",
		zap.String("conversation", conversationID),
		zap.Int("page", next),
		zap.Int("items", len(page.Items)),
		zap.Bool("has_more", l.cursor.HasMore))
	return added, nil
}

// AppendOptimistic adds a pending entry for text at the tail of the log
// and returns its temporary id.
func (s *MessageStore) AppendOptimistic(conversationID, text, senderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := ""
	if senderID == s.cfg.ViewerID {
		name = s.cfg.ViewerDisplayName
	}
	e := s.logFor(conversationID).appendOptimistic(text, senderID, name, s.now(), s.viewer)
	return e.ID
}

// Reconcile settles the pending entry tempID. On success the authoritative
// message takes the entry's place; on failure the entry is removed. It
// reports whether the temporary entry had already left the log, in which
// case a confirmed message is merged rather than dropped.
func (s *MessageStore) Reconcile(conversationID, tempID string, result SendResult) (missed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(conversationID)

	if result.Err != nil || result.Message == nil {
		removed := l.remove(tempID)
		if result.Err == nil {
			result.Err = fmt.Errorf("send returned no message")
		}
		return !removed, result.Err
	}

	msg := *result.Message
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	missed = l.confirm(tempID, msg, s.viewer)
	if missed {
		s.metrics.incReconcileMiss()
		s.log.Warn("reconcile_miss",
			zap.String("conversation", conversationID),
			zap.String("temp_id", tempID),
			zap.String("message_id", msg.ID),
			zap.Error(ErrReconciliationMiss))
	}
	return missed, nil
}

// ApplyInbound merges a message delivered by the realtime channel. It
// returns the stored entry and false when the id was already present.
func (s *MessageStore) ApplyInbound(raw Message) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw.DeliveryState == "" || raw.DeliveryState == DeliveryPending {
		raw.DeliveryState = DeliveryConfirmed
	}
	l := s.logFor(raw.ConversationID)
	if !l.merge(raw, s.viewer) {
		s.metrics.incDuplicate()
		return s.viewer.render(raw), false
	}
	s.metrics.incInbound()
	return s.viewer.render(raw), true
}

// Warm merges cached history into a conversation that has never been
// loaded. Entries that arrived in realtime before the first load are kept.
// It reports whether any cached message was added.
func (s *MessageStore) Warm(conversationID string, msgs []Message) bool {
	if len(msgs) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(conversationID)
	if l.cursor.LoadedPageCount > 0 {
		return false
	}
	added := false
	for _, m := range msgs {
		if l.merge(m, s.viewer) {
			added = true
		}
	}
	return added
}

// SetLanguage re-resolves every stored entry for a new viewer language.
func (s *MessageStore) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewer.language = lang
	for _, l := range s.logs {
		l.rerender(s.viewer)
	}
}

// Messages returns a copy of the conversation log.
func (s *MessageStore) Messages(conversationID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	return l.snapshot()
}

// Cursor returns the pagination cursor of a conversation.
func (s *MessageStore) Cursor(conversationID string) Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logFor(conversationID).cursor
}

// Confirmed returns the newest confirmed messages of a conversation, capped at one page.
func (s *MessageStore) Confirmed(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	return l.confirmed(s.cfg.PageSize)
}

// ConversationIDs lists every conversation with a log.
func (s *MessageStore) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	return ids
}

func hasMore(p *Page, pageSize int) bool {
	return p.HasMore && len(p.Items) >= pageSize
}
