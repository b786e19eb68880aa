package chatsync

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ConversationIndex keeps the chat-list summaries: last message preview,
// unread counter and recency order. The unread counter only changes through
// ProjectInbound, MarkRead and Seed (for conversations not seen before).
type ConversationIndex struct {
	viewerID string
	metrics  *Metrics
	now      func() time.Time

	mu       sync.RWMutex
	language string
	convs    map[string]*Conversation
}

// NewConversationIndex creates an empty index for viewerID.
func NewConversationIndex(viewerID, language string, opts ...Option) *ConversationIndex {
	o := buildOptions(opts)
	if language == "" {
		language = "en"
	}
	return &ConversationIndex{
		viewerID: viewerID,
		language: language,
		metrics:  o.metrics,
		now:      o.now,
		convs:    make(map[string]*Conversation),
	}
}

// Seed installs conversations fetched from the server. Conversations already
// in the index keep their local unread counter and any newer preview.
func (x *ConversationIndex) Seed(convs []Conversation) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range convs {
		c := c
		c.DisplayName = x.displayName(c)
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		existing, ok := x.convs[c.ID]
		if !ok {
			if c.Latest != nil {
				c.LastMessage = x.preview(*c.Latest)
			}
			x.convs[c.ID] = &c
			continue
		}
		existing.Title = c.Title
		existing.Participants = c.Participants
		existing.DisplayName = c.DisplayName
		if c.Latest != nil && (existing.Latest == nil || c.Latest.CreatedAt.After(existing.Latest.CreatedAt)) {
			existing.Latest = c.Latest
			existing.LastMessage = x.preview(*c.Latest)
		}
		if c.UpdatedAt.After(existing.UpdatedAt) {
			existing.UpdatedAt = c.UpdatedAt
		}
	}
	x.publishUnread()
}

// ProjectInbound records an inbound message. Viewing a conversation reads
// it, so an active conversation's counter drops to zero; otherwise messages
// from other senders add one. It reports whether the conversation was
// unknown before the call.
func (x *ConversationIndex) ProjectInbound(conversationID string, msg Message, isActive bool) (created bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.convs[conversationID]
	if !ok {
		c = &Conversation{ID: conversationID}
		if msg.SenderID != "" && msg.SenderID != x.viewerID {
			c.Participants = []Participant{{ID: msg.SenderID, DisplayName: msg.SenderDisplayName}}
			c.DisplayName = x.displayName(*c)
		}
		x.convs[conversationID] = c
	}
	x.touch(c, msg)
	switch {
	case isActive:
		c.UnreadCount = 0
	case msg.SenderID != x.viewerID:
		c.UnreadCount++
	}
	x.publishUnread()
	return !ok
}

// MarkRead resets the unread counter of a conversation.
func (x *ConversationIndex) MarkRead(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if c, ok := x.convs[conversationID]; ok {
		c.UnreadCount = 0
	}
	x.publishUnread()
}

// UpsertFromSend updates the preview after the viewer's own send succeeded.
func (x *ConversationIndex) UpsertFromSend(conversationID string, msg Message) {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.convs[conversationID]
	if !ok {
		c = &Conversation{ID: conversationID}
		x.convs[conversationID] = c
	}
	x.touch(c, msg)
}

// SetLanguage re-resolves every preview for a new viewer language.
func (x *ConversationIndex) SetLanguage(lang string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.language = lang
	for _, c := range x.convs {
		if c.Latest != nil {
			c.LastMessage = x.preview(*c.Latest)
		}
	}
}

// Get returns one conversation summary.
func (x *ConversationIndex) Get(conversationID string) (Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.convs[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return x.copyOf(c), true
}

// Conversations returns every summary, most recently active first.
func (x *ConversationIndex) Conversations() []Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Conversation, 0, len(x.convs))
	for _, c := range x.convs {
		out = append(out, x.copyOf(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := recency(out[i]), recency(out[j])
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

// UnreadTotal sums the unread counters.
func (x *ConversationIndex) UnreadTotal() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.unreadTotal()
}

func (x *ConversationIndex) touch(c *Conversation, msg Message) {
	if c.Latest != nil && msg.CreatedAt.Before(c.Latest.CreatedAt) {
		return
	}
	m := msg
	c.Latest = &m
	c.LastMessage = x.preview(m)
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
}

func (x *ConversationIndex) preview(m Message) *Preview {
	d := Resolve(m, x.language)
	return &Preview{
		MessageID:    m.ID,
		Text:         d.Text,
		IsTranslated: d.IsTranslated,
		At:           m.CreatedAt,
	}
}

func (x *ConversationIndex) copyOf(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		p := *c.LastMessage
		p.Relative = humanize.RelTime(p.At, x.now(), "ago", "from now")
		out.LastMessage = &p
	}
	return out
}

// displayName names a conversation after its counterpart when it has two
// participants, otherwise after its title or the other members.
func (x *ConversationIndex) displayName(c Conversation) string {
	var others []Participant
	for _, p := range c.Participants {
		if p.ID != x.viewerID {
			others = append(others, p)
		}
	}
	if len(c.Participants) <= 2 && len(others) == 1 {
		return others[0].Name()
	}
	if c.Title != "" {
		return c.Title
	}
	names := make([]string, 0, len(others))
	for _, p := range others {
		names = append(names, p.Name())
	}
	if len(names) == 0 {
		return c.ID
	}
	return strings.Join(names, ", ")
}

func (x *ConversationIndex) unreadTotal() int {
	n := 0
	for _, c := range x.convs {
		n += c.UnreadCount
	}
	return n
}

func (x *ConversationIndex) publishUnread() {
	x.metrics.setUnread(x.unreadTotal())
}

func recency(c Conversation) time.Time {
	if c.LastMessage != nil && c.LastMessage.At.After(c.UpdatedAt) {
		return c.LastMessage.At
	}
	return c.UpdatedAt
}
