package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// Engine event names.
const (
	EventMessagesChanged      = "messages.changed"
	EventConversationsChanged = "conversations.changed"
	EventConnectionChanged    = "connection.changed"
	EventSendFailed           = "send.failed"
	EventLoadFailed           = "load.failed"
	EventConnectivityDegraded = "connectivity.degraded"
)

// EventHandler receives engine events. The payload type depends on the event:
// a conversation id for messages.changed, *SendError for send.failed,
// *LoadError for load.failed, ConnectionState for connection.changed,
// error for connectivity.degraded, nil for conversations.changed.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *zap.Logger
}

func newEmitter(log *zap.Logger) emitter {
	return emitter{listeners: make(map[string][]EventHandler), log: log}
}

// On registers a handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event_handler_panic", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h(event, payload)
		}()
	}
}
