package chatsync

import (
	"strings"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks whether a message has been acknowledged by the server.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// TempIDPrefix marks identifiers minted locally for optimistic entries.
// Server identifiers never carry it.
const TempIDPrefix = "temp-"

// IsTempID reports whether id belongs to the temporary namespace.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Message is a single chat message, either server-confirmed or optimistic.
type Message struct {
	ID                string            `json:"id"`
	ConversationID    string            `json:"conversationId"`
	SenderID          string            `json:"senderId"`
	SenderDisplayName string            `json:"senderDisplayName,omitempty"`
	OriginalText      string            `json:"originalText"`
	Translations      map[string]string `json:"translations,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	DeliveryState     DeliveryState     `json:"deliveryState"`
}

// DisplayText is the text variant chosen for a viewer.
// OriginalText is only set when Text is a translation.
type DisplayText struct {
	Text         string `json:"text"`
	IsTranslated bool   `json:"isTranslated"`
	OriginalText string `json:"originalText,omitempty"`
}

// Entry is a rendering-ready message as held in a conversation log.
type Entry struct {
	Message
	Display DisplayText `json:"display"`
	IsOwn   bool        `json:"isOwn"`
}

// Page is one page of history returned by a Transport.
type Page struct {
	Items   []Message
	HasMore bool
}

// ============================================================================
// Conversations
// ============================================================================

// Participant is a member of a conversation.
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// Name returns the best human-readable name for the participant.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

// Preview summarises the newest message of a conversation.
type Preview struct {
	MessageID    string    `json:"messageId"`
	Text         string    `json:"text"`
	IsTranslated bool      `json:"isTranslated"`
	At           time.Time `json:"at"`
	Relative     string    `json:"relative"`
}

// Conversation is the cross-conversation summary shown in the chat list.
type Conversation struct {
	ID           string        `json:"id"`
	Title        string        `json:"title,omitempty"`
	Participants []Participant `json:"participants"`
	DisplayName  string        `json:"displayName"`
	LastMessage  *Preview      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    time.Time     `json:"updatedAt"`

	// Latest is the message behind LastMessage, kept so the preview can be
	// re-resolved when the viewer language changes.
	Latest *Message `json:"latest,omitempty"`
}

// ============================================================================
// State
// ============================================================================

// ConnectionStatus is the realtime channel status.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ConnectionState is a snapshot of the ConnectionManager.
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	ActiveRooms       []string         `json:"activeRooms"`
	Exhausted         bool             `json:"exhausted"`
}

// ConversationState is the per-conversation load state.
type ConversationState string

const (
	StateIdle    ConversationState = "idle"
	StateLoading ConversationState = "loading"
	StateReady   ConversationState = "ready"
)

// Cursor tracks backward pagination for one conversation.
type Cursor struct {
	PageSize        int  `json:"pageSize"`
	LoadedPageCount int  `json:"loadedPageCount"`
	HasMore         bool `json:"hasMore"`
}
