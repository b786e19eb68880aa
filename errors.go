package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyMessage is returned when a send is attempted with blank text.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrConnectivityExhausted is reported once the reconnect bound is hit.
	ErrConnectivityExhausted = errors.New("realtime reconnect attempts exhausted")
	// ErrReconciliationMiss means the temporary entry was gone at reconcile time.
	ErrReconciliationMiss = errors.New("temporary message not found")
	// ErrNotConnected is returned when a command needs an open channel.
	ErrNotConnected = errors.New("not connected")
	// ErrLoadInFlight rejects a re-entrant page fetch for the same conversation.
	ErrLoadInFlight = errors.New("page load already in flight")
	// ErrNoMorePages is returned by LoadMore once history is exhausted.
	ErrNoMorePages = errors.New("no more pages")
	// ErrNoActiveConversation is returned by operations that need one open.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrStaleResponse marks a fetch that finished after its conversation was switched away.
	ErrStaleResponse = errors.New("response belongs to an inactive conversation")
)

// TransportError wraps a failed request to the chat backend.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": transport error"
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed.
func (e *TransportError) Temporary() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// LoadError is a retryable failure of a conversation history load.
type LoadError struct {
	ConversationID string
	Err            error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load conversation %s: %v", e.ConversationID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SendError ties a failed send to the optimistic entry it rolled back.
type SendError struct {
	TempID         string
	ConversationID string
	Text           string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
