package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Transport is the request/response side of the chat backend.
type Transport interface {
	// FetchMessages returns one page of history. Page 1 is the newest;
	// higher pages are older.
	FetchMessages(ctx context.Context, conversationID string, page, pageSize int) (*Page, error)
	// SendMessage posts text and returns the authoritative message.
	SendMessage(ctx context.Context, conversationID, text string) (*Message, error)
	// FetchConversations lists the viewer's conversations.
	FetchConversations(ctx context.Context, viewerID string) ([]Conversation, error)
}

// ============================================================================
// HTTPTransport
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// HTTPTransport talks to the chat backend's REST API.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	rps        float64
	burst      int
	log        *zap.Logger

	client  *resty.Client
	limiter *rate.Limiter

	mu    sync.RWMutex
	token string
}

type TransportOption func(*HTTPTransport)

func WithBaseURL(url string) TransportOption {
	return func(t *HTTPTransport) { t.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.httpClient = client }
}

// WithRateLimit caps outgoing requests per second. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) TransportOption {
	return func(t *HTTPTransport) { t.rps, t.burst = rps, burst }
}

func WithTransportLogger(log *zap.Logger) TransportOption {
	return func(t *HTTPTransport) {
		if log != nil {
			t.log = log
		}
	}
}

// NewHTTPTransport creates a transport authenticated with a bearer token.
func NewHTTPTransport(token string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		rps:        10,
		burst:      20,
		log:        zap.NewNop(),
		token:      token,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.client = resty.NewWithClient(t.httpClient).
		SetBaseURL(t.baseURL).
		SetHeader("Accept", "application/json")
	if t.rps > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(t.rps), t.burst)
	} else {
		t.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return t
}

// SetToken replaces the bearer token used for later requests.
func (t *HTTPTransport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

func (t *HTTPTransport) currentToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// BaseURL returns the REST base URL.
func (t *HTTPTransport) BaseURL() string { return t.baseURL }

// RealtimeURL returns the WebSocket URL of the realtime channel.
func (t *HTTPTransport) RealtimeURL() string {
	base := strings.Replace(t.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

func (t *HTTPTransport) do(ctx context.Context, op, method, path string, body any, query map[string]string) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req := t.client.R().SetContext(ctx)
	if tok := t.currentToken(); tok != "" {
		req.SetAuthToken(tok)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		t.log.Warn("request_failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.IsError() {
		t.log.Warn("request_rejected", zap.String("op", op), zap.String("path", path), zap.Int("status", resp.StatusCode()))
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode(), Body: errorBody(resp.Body())}
	}
	return resp.Body(), nil
}

// FetchMessages calls GET /api/chats/{id}/messages.
func (t *HTTPTransport) FetchMessages(ctx context.Context, conversationID string, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	data, err := t.do(ctx, "fetch_messages", http.MethodGet, "/api/chats/"+conversationID+"/messages", nil, map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(pageSize),
	})
	if err != nil {
		return nil, err
	}
	var wire []wireMessage
	env, err := decodeData(data, &wire)
	if err != nil {
		return nil, &TransportError{Op: "fetch_messages", Err: err}
	}
	p := &Page{Items: make([]Message, 0, len(wire))}
	for _, w := range wire {
		m := w.toMessage(conversationID)
		if m.ID == "" {
			continue
		}
		p.Items = append(p.Items, m)
	}
	if env != nil && env.HasMore != nil {
		p.HasMore = *env.HasMore
	} else {
		p.HasMore = len(wire) == pageSize
	}
	return p, nil
}

// SendMessage calls POST /api/messages.
func (t *HTTPTransport) SendMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	data, err := t.do(ctx, "send_message", http.MethodPost, "/api/messages", map[string]string{
		"chatId":      conversationID,
		"text":        text,
		"messageType": "text",
	}, nil)
	if err != nil {
		return nil, err
	}
	var wire wireMessage
	if _, err := decodeData(data, &wire); err != nil {
		return nil, &TransportError{Op: "send_message", Err: err}
	}
	m := wire.toMessage(conversationID)
	if m.ID == "" {
		return nil, &TransportError{Op: "send_message", Err: fmt.Errorf("response carries no message id")}
	}
	return &m, nil
}

// FetchConversations calls GET /api/chats.
func (t *HTTPTransport) FetchConversations(ctx context.Context, viewerID string) ([]Conversation, error) {
	data, err := t.do(ctx, "fetch_conversations", http.MethodGet, "/api/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	var wire []wireChat
	if _, err := decodeData(data, &wire); err != nil {
		return nil, &TransportError{Op: "fetch_conversations", Err: err}
	}
	out := make([]Conversation, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toConversation())
	}
	return out, nil
}

// ============================================================================
// Wire format
// ============================================================================

type wireEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	HasMore *bool           `json:"hasMore"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// decodeData accepts either a bare JSON payload or a {success,data} envelope.
func decodeData(body []byte, v any) (*wireEnvelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	if trimmed[0] == '[' {
		return nil, json.Unmarshal(trimmed, v)
	}
	var env wireEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if env.Success != nil && !*env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = "request unsuccessful"
		}
		return &env, fmt.Errorf("%s", msg)
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		return &env, json.Unmarshal(env.Data, v)
	}
	if env.Success != nil {
		return &env, nil
	}
	return nil, json.Unmarshal(trimmed, v)
}

type wireUser struct {
	MongoID     string `json:"_id"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

func (u wireUser) id() string {
	if u.MongoID != "" {
		return u.MongoID
	}
	return u.ID
}

type wireMessage struct {
	MongoID        string            `json:"_id"`
	ID             string            `json:"id"`
	ChatID         string            `json:"chatId"`
	ConversationID string            `json:"conversationId"`
	Sender         json.RawMessage   `json:"sender"`
	SenderID       string            `json:"senderId"`
	OriginalText   string            `json:"originalText"`
	Text           string            `json:"text"`
	Translations   map[string]string `json:"translations"`
	CreatedAt      string            `json:"createdAt"`
}

func (w wireMessage) toMessage(fallbackConversation string) Message {
	m := Message{
		ID:             firstNonEmpty(w.MongoID, w.ID),
		ConversationID: firstNonEmpty(w.ChatID, w.ConversationID, fallbackConversation),
		SenderID:       w.SenderID,
		OriginalText:   firstNonEmpty(w.OriginalText, w.Text),
		Translations:   w.Translations,
		CreatedAt:      parseTime(w.CreatedAt),
		DeliveryState:  DeliveryConfirmed,
	}
	if len(w.Sender) > 0 {
		var u wireUser
		if json.Unmarshal(w.Sender, &u) == nil {
			m.SenderID = firstNonEmpty(u.id(), m.SenderID)
			m.SenderDisplayName = firstNonEmpty(u.DisplayName, u.Username)
		} else {
			var id string
			if json.Unmarshal(w.Sender, &id) == nil {
				m.SenderID = firstNonEmpty(id, m.SenderID)
			}
		}
	}
	if m.Translations == nil {
		m.Translations = map[string]string{}
	}
	return m
}

// DecodeMessage converts one backend message document into a Message.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	m := w.toMessage("")
	if m.ID == "" {
		return Message{}, fmt.Errorf("decode message: missing id")
	}
	return m, nil
}

type wireChat struct {
	MongoID      string          `json:"_id"`
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Title        string          `json:"title"`
	Participants []wireUser      `json:"participants"`
	LastMessage  json.RawMessage `json:"lastMessage"`
	UnreadCount  int             `json:"unreadCount"`
	Unread       int             `json:"unread"`
	UpdatedAt    string          `json:"updatedAt"`
}

func (w wireChat) toConversation() Conversation {
	c := Conversation{
		ID:          firstNonEmpty(w.MongoID, w.ID),
		Title:       firstNonEmpty(w.Title, w.Name),
		UnreadCount: w.UnreadCount,
	}
	if c.UnreadCount == 0 {
		c.UnreadCount = w.Unread
	}
	if w.UpdatedAt != "" {
		c.UpdatedAt = parseTime(w.UpdatedAt)
	}
	for _, p := range w.Participants {
		c.Participants = append(c.Participants, Participant{ID: p.id(), Username: p.Username, DisplayName: p.DisplayName})
	}
	if len(w.LastMessage) > 0 {
		var wm wireMessage
		var text string
		switch {
		case json.Unmarshal(w.LastMessage, &wm) == nil && firstNonEmpty(wm.MongoID, wm.ID) != "":
			m := wm.toMessage(c.ID)
			c.Latest = &m
		case json.Unmarshal(w.LastMessage, &text) == nil && text != "":
			c.Latest = &Message{ConversationID: c.ID, OriginalText: text, CreatedAt: c.UpdatedAt, DeliveryState: DeliveryConfirmed}
		}
	}
	return c
}

// parseTime reads RFC 3339 or unix milliseconds. Anything else yields the
// zero time so repeated decodes of the same document agree.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func errorBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
