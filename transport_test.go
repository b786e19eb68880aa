package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) *HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPTransport("tok-123", WithBaseURL(srv.URL), WithRateLimit(0, 0))
}

func TestHTTPTransport_FetchMessagesEnvelope(t *testing.T) {
	var gotQuery, gotAuth, gotPath string
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"hasMore":true,"data":[
			{"_id":"m1","chatId":"c1","sender":{"_id":"u2","username":"ana","displayName":"Ana"},
			 "originalText":"Hola","translations":{"en":"Hello"},"createdAt":"2024-01-01T12:00:00Z"},
			{"id":"m2","sender":"u3","text":"plain","createdAt":"1704110460000"},
			{"originalText":"no id"}
		]}`)
	})

	page, err := tr.FetchMessages(context.Background(), "c1", 2, 20)
	require.NoError(t, err)
	assert.Equal(t, "/api/chats/c1/messages", gotPath)
	assert.Equal(t, "limit=20&page=2", gotQuery)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	m1 := page.Items[0]
	assert.Equal(t, "m1", m1.ID)
	assert.Equal(t, "c1", m1.ConversationID)
	assert.Equal(t, "u2", m1.SenderID)
	assert.Equal(t, "Ana", m1.SenderDisplayName)
	assert.Equal(t, "Hello", m1.Translations["en"])
	assert.True(t, m1.CreatedAt.Equal(t0))
	assert.Equal(t, DeliveryConfirmed, m1.DeliveryState)

	m2 := page.Items[1]
	assert.Equal(t, "c1", m2.ConversationID)
	assert.Equal(t, "u3", m2.SenderID)
	assert.Equal(t, "plain", m2.OriginalText)
	assert.NotNil(t, m2.Translations)
	assert.True(t, m2.CreatedAt.Equal(t0.Add(time.Minute)))
}

func TestHTTPTransport_FetchMessagesBareArray(t *testing.T) {
	items := make([]map[string]string, 3)
	for i := range items {
		items[i] = map[string]string{"_id": string(rune('a' + i)), "originalText": "x", "createdAt": "2024-01-01T12:00:00Z"}
	}
	body, _ := json.Marshal(items)
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})

	page, err := tr.FetchMessages(context.Background(), "c1", 1, 3)
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.True(t, page.HasMore, "a full page without a hint implies more")

	page, err = tr.FetchMessages(context.Background(), "c1", 1, 10)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
}

func TestHTTPTransport_SendMessage(t *testing.T) {
	var body map[string]string
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		io.WriteString(w, `{"success":true,"data":{"_id":"s1","sender":{"_id":"me"},
			"originalText":"Hola","translations":{"en":"Hello"},"createdAt":"2024-01-01T13:00:00Z"}}`)
	})

	m, err := tr.SendMessage(context.Background(), "c1", "Hola")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"chatId": "c1", "text": "Hola", "messageType": "text"}, body)
	assert.Equal(t, "s1", m.ID)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Equal(t, "me", m.SenderID)
	assert.Equal(t, "Hello", m.Translations["en"])
}

func TestHTTPTransport_SendMessageWithoutID(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"data":{"originalText":"Hola"}}`)
	})
	_, err := tr.SendMessage(context.Background(), "c1", "Hola")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send_message", te.Op)
}

func TestHTTPTransport_FetchConversations(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chats", r.URL.Path)
		io.WriteString(w, `{"success":true,"data":[
			{"_id":"c1","participants":[{"_id":"me","username":"me"},{"_id":"u2","username":"ana"}],
			 "lastMessage":{"_id":"m9","originalText":"Hola","createdAt":"2024-01-01T12:00:00Z"},
			 "unreadCount":2,"updatedAt":"2024-01-01T12:00:00Z"},
			{"id":"c2","name":"Trip","lastMessage":"see you","unread":4,"updatedAt":"2024-01-01T11:00:00Z"}
		]}`)
	})

	convs, err := tr.FetchConversations(context.Background(), "me")
	require.NoError(t, err)
	require.Len(t, convs, 2)

	c1 := convs[0]
	assert.Equal(t, "c1", c1.ID)
	assert.Equal(t, []Participant{{ID: "me", Username: "me"}, {ID: "u2", Username: "ana"}}, c1.Participants)
	assert.Equal(t, 2, c1.UnreadCount)
	require.NotNil(t, c1.Latest)
	assert.Equal(t, "m9", c1.Latest.ID)
	assert.Equal(t, "c1", c1.Latest.ConversationID)

	c2 := convs[1]
	assert.Equal(t, "Trip", c2.Title)
	assert.Equal(t, 4, c2.UnreadCount)
	require.NotNil(t, c2.Latest)
	assert.Equal(t, "see you", c2.Latest.OriginalText)
	assert.True(t, c2.Latest.CreatedAt.Equal(t0.Add(-time.Hour)))
}

func TestHTTPTransport_Errors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		temporary bool
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, true},
		{"rate limited", http.StatusTooManyRequests, `slow down`, true},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad token"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})
			_, err := tr.FetchMessages(context.Background(), "c1", 1, 50)
			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tc.status, te.StatusCode)
			assert.Equal(t, tc.body, te.Body)
			assert.Equal(t, tc.temporary, te.Temporary())
			assert.Contains(t, te.Error(), "fetch_messages")
		})
	}
}

func TestHTTPTransport_UnsuccessfulEnvelope(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":false,"message":"chat not found"}`)
	})
	_, err := tr.FetchConversations(context.Background(), "me")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "fetch_conversations", te.Op)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestHTTPTransport_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport("tok", WithBaseURL(url), WithTimeout(2*time.Second))
	_, err := tr.FetchMessages(context.Background(), "c1", 1, 50)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.StatusCode)
	assert.True(t, te.Temporary())
}

func TestHTTPTransport_SetToken(t *testing.T) {
	var gotAuth string
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `[]`)
	})
	tr.SetToken("rotated")
	_, err := tr.FetchConversations(context.Background(), "me")
	require.NoError(t, err)
	assert.Equal(t, "Bearer rotated", gotAuth)
}

func TestHTTPTransport_RealtimeURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", NewHTTPTransport("").RealtimeURL())
	assert.Equal(t, "wss://chat.example.com/ws", NewHTTPTransport("", WithBaseURL("https://chat.example.com/")).RealtimeURL())
	assert.Equal(t, "https://chat.example.com", NewHTTPTransport("", WithBaseURL("https://chat.example.com/")).BaseURL())
}

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage(wireJSON(msg("m1", 30)))
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Equal(t, "u2", m.SenderID)
	assert.True(t, m.CreatedAt.Equal(t0.Add(30*time.Second)))

	_, err = DecodeMessage([]byte(`{"chatId":"c1"}`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`{`))
	assert.Error(t, err)
}

func TestDecodeMessage_UndatedIsStable(t *testing.T) {
	for _, raw := range []string{
		`{"_id":"m1","chatId":"c1","originalText":"x"}`,
		`{"_id":"m1","chatId":"c1","originalText":"x","createdAt":"yesterday"}`,
	} {
		first, err := DecodeMessage([]byte(raw))
		require.NoError(t, err)
		again, err := DecodeMessage([]byte(raw))
		require.NoError(t, err)
		assert.True(t, first.CreatedAt.IsZero(), raw)
		assert.Equal(t, first.CreatedAt, again.CreatedAt)
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("reset by peer")
	err := &TransportError{Op: "send_message", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "send_message: reset by peer", err.Error())
}
