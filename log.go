package chatsync

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// renderer turns raw messages into entries for one viewer.
type renderer struct {
	viewerID string
	language string
}

func (r renderer) render(m Message) Entry {
	if m.DeliveryState == "" {
		m.DeliveryState = DeliveryConfirmed
	}
	return Entry{
		Message: m,
		Display: Resolve(m, r.language),
		IsOwn:   m.SenderID != "" && m.SenderID == r.viewerID,
	}
}

// MessageLog is the ordered message log of a single conversation.
// Entries are ordered by CreatedAt ascending with ties kept in insertion
// order. Every id appears at most once. MessageLog is not safe for
// concurrent use; MessageStore serialises access to it.
type MessageLog struct {
	conversationID string
	entries        []Entry
	ids            map[string]struct{}
	cursor         Cursor
	loadingMore    bool
}

func newMessageLog(conversationID string, pageSize int) *MessageLog {
	return &MessageLog{
		conversationID: conversationID,
		ids:            make(map[string]struct{}),
		cursor:         Cursor{PageSize: pageSize, HasMore: true},
	}
}

func (l *MessageLog) indexOf(id string) int {
	if _, ok := l.ids[id]; !ok {
		return -1
	}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// replace discards the log and installs a freshly fetched first page.
func (l *MessageLog) replace(items []Message, hasMore bool, r renderer) {
	l.entries = l.entries[:0]
	l.ids = make(map[string]struct{}, len(items))
	sorted := append([]Message(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for _, m := range sorted {
		if _, dup := l.ids[m.ID]; dup || m.ID == "" {
			continue
		}
		l.ids[m.ID] = struct{}{}
		l.entries = append(l.entries, r.render(m))
	}
	l.cursor.LoadedPageCount = 1
	l.cursor.HasMore = hasMore
}

// merge is the single dedup-and-insert path shared by realtime delivery,
// background polling, pagination and reconciliation misses. A known id is
// refreshed in place (never moved) and keeps its CreatedAt; pending entries
// are never overwritten. It reports whether a new entry was added.
func (l *MessageLog) merge(m Message, r renderer) bool {
	if m.ID == "" {
		return false
	}
	if i := l.indexOf(m.ID); i >= 0 {
		if l.entries[i].DeliveryState != DeliveryPending {
			m.CreatedAt = l.entries[i].CreatedAt
			l.entries[i] = r.render(m)
		}
		return false
	}
	pos := len(l.entries)
	for pos > 0 && l.entries[pos-1].CreatedAt.After(m.CreatedAt) {
		pos--
	}
	l.entries = append(l.entries, Entry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = r.render(m)
	l.ids[m.ID] = struct{}{}
	return true
}

// prepend merges an older page. Already loaded entries keep their order.
func (l *MessageLog) prepend(items []Message, r renderer) []Message {
	var added []Message
	for _, m := range items {
		if l.merge(m, r) {
			added = append(added, m)
		}
	}
	return added
}

func (l *MessageLog) appendOptimistic(text, senderID, senderName string, now time.Time, r renderer) Entry {
	m := Message{
		ID:                TempIDPrefix + uuid.NewString(),
		ConversationID:    l.conversationID,
		SenderID:          senderID,
		SenderDisplayName: senderName,
		OriginalText:      text,
		Translations:      map[string]string{},
		CreatedAt:         now,
		DeliveryState:     DeliveryPending,
	}
	e := r.render(m)
	l.entries = append(l.entries, e)
	l.ids[m.ID] = struct{}{}
	return e
}

// confirm swaps the pending entry tempID for the authoritative message,
// keeping its position. A later entry already carrying the final id (a
// realtime echo that won the race) is dropped. When tempID is gone the
// message is merged instead and confirm reports a miss.
func (l *MessageLog) confirm(tempID string, m Message, r renderer) (missed bool) {
	m.DeliveryState = DeliveryConfirmed
	idx := l.indexOf(tempID)
	if idx < 0 {
		l.merge(m, r)
		return true
	}
	if dup := l.indexOf(m.ID); dup >= 0 {
		l.entries = append(l.entries[:dup], l.entries[dup+1:]...)
		if dup < idx {
			idx--
		}
	}
	delete(l.ids, tempID)
	l.entries[idx] = r.render(m)
	l.ids[m.ID] = struct{}{}
	return false
}

func (l *MessageLog) remove(id string) bool {
	idx := l.indexOf(id)
	if idx < 0 {
		return false
	}
	l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
	delete(l.ids, id)
	return true
}

func (l *MessageLog) rerender(r renderer) {
	for i := range l.entries {
		l.entries[i] = r.render(l.entries[i].Message)
	}
}

func (l *MessageLog) snapshot() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// confirmed returns up to limit of the newest confirmed messages, oldest first.
func (l *MessageLog) confirmed(limit int) []Message {
	var out []Message
	for i := len(l.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if l.entries[i].DeliveryState == DeliveryConfirmed {
			out = append(out, l.entries[i].Message)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
