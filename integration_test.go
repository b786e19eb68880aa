//go:build integration

package chatsync_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/anytongue/chatsync"
)

// helpers ---------------------------------------------------------------

func token(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("ANYTONGUE_TOKEN_TEST")
	if tok == "" {
		t.Fatal("ANYTONGUE_TOKEN_TEST environment variable is required")
	}
	return tok
}

func conversationID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("ANYTONGUE_CONVERSATION_TEST")
	if id == "" {
		t.Fatal("ANYTONGUE_CONVERSATION_TEST environment variable is required")
	}
	return id
}

func testBaseURL() string {
	if v := os.Getenv("ANYTONGUE_BASE_URL_TEST"); v != "" {
		return v
	}
	return chatsync.DefaultBaseURL
}

func newTransport(t *testing.T) *chatsync.HTTPTransport {
	t.Helper()
	return chatsync.NewHTTPTransport(token(t), chatsync.WithBaseURL(testBaseURL()))
}

func newEngine(t *testing.T) *chatsync.Engine {
	t.Helper()
	tr := newTransport(t)
	channels := chatsync.WSChannelFactory(chatsync.ChannelConfig{URL: tr.RealtimeURL(), Token: token(t)})
	return chatsync.NewEngine(tr, channels, chatsync.EngineConfig{
		ViewerID: os.Getenv("ANYTONGUE_USER_ID_TEST"),
		Language: "en",
	})
}

// =======================================================================
// Group 1: REST transport
// =======================================================================

func TestIntegration_Transport_FetchConversations(t *testing.T) {
	tr := newTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convs, err := tr.FetchConversations(ctx, "")
	require.NoError(t, err)
	for _, c := range convs {
		assert.NotEmpty(t, c.ID)
	}
	t.Logf("FetchConversations: %d conversations", len(convs))
}

func TestIntegration_Transport_FetchMessages(t *testing.T) {
	tr := newTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := tr.FetchMessages(ctx, conversationID(t), 1, 20)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(page.Items), 20)
	for _, m := range page.Items {
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, chatsync.DeliveryConfirmed, m.DeliveryState)
	}
	t.Logf("FetchMessages: %d items hasMore=%v", len(page.Items), page.HasMore)
}

func TestIntegration_Transport_Unauthorized(t *testing.T) {
	tr := chatsync.NewHTTPTransport("invalid-token", chatsync.WithBaseURL(testBaseURL()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := tr.FetchConversations(ctx, "")
	require.Error(t, err)
	var te *chatsync.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 401, te.StatusCode)
}

// =======================================================================
// Group 2: Engine
// =======================================================================

func TestIntegration_Engine_OpenAndSend(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	id := conversationID(t)
	require.NoError(t, e.Open(ctx, id))
	assert.Equal(t, chatsync.StateReady, e.State(id))

	text := fmt.Sprintf("go integration %d", time.Now().UnixNano())
	msg, err := e.Send(ctx, text)
	require.NoError(t, err)

	var hits int
	for _, entry := range e.Messages(id) {
		if entry.ID == msg.ID {
			hits++
			assert.Equal(t, chatsync.DeliveryConfirmed, entry.DeliveryState)
		}
		assert.False(t, chatsync.IsTempID(entry.ID))
	}
	assert.Equal(t, 1, hits)
}

func TestIntegration_Engine_Realtime(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	connected := make(chan struct{}, 1)
	e.On(chatsync.EventConnectionChanged, func(_ string, payload any) {
		if st, ok := payload.(chatsync.ConnectionState); ok && st.Status == chatsync.StatusConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatal("realtime channel did not connect")
	}
	require.NoError(t, e.Open(ctx, conversationID(t)))
	assert.Eventually(t, func() bool {
		return len(e.ConnectionState().ActiveRooms) == 1
	}, 5*time.Second, 50*time.Millisecond)
}
