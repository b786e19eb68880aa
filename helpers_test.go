package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// msg builds a confirmed message in conversation c1 from u2, sec seconds after t0.
func msg(id string, sec int) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u2",
		OriginalText:   "text " + id,
		Translations:   map[string]string{},
		CreatedAt:      t0.Add(time.Duration(sec) * time.Second),
		DeliveryState:  DeliveryConfirmed,
	}
}

func msgs(prefix string, from, n int) []Message {
	out := make([]Message, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, msg(fmt.Sprintf("%s%03d", prefix, i), i))
	}
	return out
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

// ============================================================================
// fakeTransport
// ============================================================================

type fetchCall struct {
	conversationID string
	page           int
	pageSize       int
}

type fakeTransport struct {
	mu        sync.Mutex
	pages     map[string][][]Message
	fetchErr  error
	sendErr   error
	sendFn    func(conversationID, text string) *Message
	convs     []Conversation
	convErr   error
	calls     []fetchCall
	sends     []string
	convCalls int

	// gates block FetchMessages for a conversation until closed.
	gates   map[string]chan struct{}
	started chan fetchCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pages:   make(map[string][][]Message),
		gates:   make(map[string]chan struct{}),
		started: make(chan fetchCall, 16),
	}
}

func (f *fakeTransport) setPages(conversationID string, pages ...[]Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[conversationID] = pages
}

func (f *fakeTransport) gate(conversationID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[conversationID] = g
	return g
}

func (f *fakeTransport) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) conversationCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convCalls
}

func (f *fakeTransport) FetchMessages(ctx context.Context, conversationID string, page, pageSize int) (*Page, error) {
	f.mu.Lock()
	call := fetchCall{conversationID, page, pageSize}
	f.calls = append(f.calls, call)
	gate := f.gates[conversationID]
	f.mu.Unlock()

	select {
	case f.started <- call:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	pages := f.pages[conversationID]
	if page > len(pages) {
		return &Page{}, nil
	}
	items := append([]Message(nil), pages[page-1]...)
	return &Page{Items: items, HasMore: page < len(pages)}, nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendFn != nil {
		return f.sendFn(conversationID, text), nil
	}
	m := Message{
		ID:             fmt.Sprintf("s%d", len(f.sends)),
		ConversationID: conversationID,
		SenderID:       "me",
		OriginalText:   text,
		CreatedAt:      t0.Add(time.Hour),
		DeliveryState:  DeliveryConfirmed,
	}
	return &m, nil
}

func (f *fakeTransport) FetchConversations(ctx context.Context, viewerID string) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	if f.convErr != nil {
		return nil, f.convErr
	}
	return append([]Conversation(nil), f.convs...), nil
}

// ============================================================================
// fakeChannel
// ============================================================================

type emitted struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string][]ChannelHandler
	opened    bool
	closed    bool
	connected bool
	emits     []emitted
	openErr   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]ChannelHandler)}
}

func (f *fakeChannel) On(event string, h ChannelHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeChannel) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeChannel) RemoveAllListeners() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = make(map[string][]ChannelHandler)
}

func (f *fakeChannel) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeChannel) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.emits = append(f.emits, emitted{event, payload})
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeChannel) fire(event string, payload json.RawMessage) {
	f.mu.Lock()
	handlers := append([]ChannelHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(event, payload)
	}
}

func (f *fakeChannel) connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.fire(ChannelConnect, json.RawMessage(`{"userId":"me"}`))
}

func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.fire(ChannelDisconnect, jsonString("transport close"))
}

func (f *fakeChannel) fail() {
	f.fire(ChannelConnectError, jsonString("connection refused"))
}

func (f *fakeChannel) giveUp() {
	f.fire(ChannelReconnectFailed, jsonString("gave up"))
}

func (f *fakeChannel) deliver(m Message) {
	f.fire(ChannelNewMessage, wireJSON(m))
}

func (f *fakeChannel) handlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// commands returns the conversation ids carried by every event command sent.
func (f *fakeChannel) commands(event string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload.(RoomPayload).ConversationID)
		}
	}
	return out
}

// wireJSON encodes m the way the backend sends it.
func wireJSON(m Message) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"_id":          m.ID,
		"chatId":       m.ConversationID,
		"sender":       map[string]string{"_id": m.SenderID, "username": m.SenderDisplayName},
		"originalText": m.OriginalText,
		"translations": m.Translations,
		"createdAt":    m.CreatedAt.Format(time.RFC3339Nano),
	})
	return b
}

type fakeChannels struct {
	mu  sync.Mutex
	all []*fakeChannel
}

func (fc *fakeChannels) factory() Channel {
	ch := newFakeChannel()
	fc.mu.Lock()
	fc.all = append(fc.all, ch)
	fc.mu.Unlock()
	return ch
}

func (fc *fakeChannels) count() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.all)
}

func (fc *fakeChannels) last() *fakeChannel {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.all[len(fc.all)-1]
}
