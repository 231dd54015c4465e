package chatcache

import (
	"time"

	"courier/cmd/internal/chat"
)

// Entry is one cached conversation. Messages are ordered by CreatedAt.
type Entry struct {
	ConversationID string
	Meta           chat.ConversationMeta
	Messages       []chat.Message
	HasMoreOlder   bool
	// HasMoreNewer is set when pagination trimmed the newest confirmed
	// messages to stay within the per-conversation cap.
	HasMoreNewer   bool
	OldestLoadedID string
	LastUpdatedAt  time.Time
}

func (e Entry) clone() Entry {
	out := e
	out.Meta = e.Meta.Clone()
	if e.Messages != nil {
		out.Messages = make([]chat.Message, len(e.Messages))
		for i, m := range e.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// Optimistic returns the messages not yet reconciled with the server.
func (e Entry) Optimistic() []chat.Message {
	var out []chat.Message
	for _, m := range e.Messages {
		if m.IsOptimistic() {
			out = append(out, m)
		}
	}
	return out
}

func (e *Entry) indexOf(id string) int {
	for i := range e.Messages {
		if e.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Entry) removeAt(i int) {
	e.Messages = append(e.Messages[:i:i], e.Messages[i+1:]...)
}

// insert places m after every message created at or before it. Messages
// without a timestamp go last.
func (e *Entry) insert(m chat.Message) {
	i := len(e.Messages)
	if !m.CreatedAt.IsZero() {
		for i > 0 && e.Messages[i-1].CreatedAt.After(m.CreatedAt) {
			i--
		}
	}
	e.Messages = append(e.Messages, chat.Message{})
	copy(e.Messages[i+1:], e.Messages[i:])
	e.Messages[i] = m
}

// trimOldest drops the oldest confirmed messages beyond limit, keeping
// optimistic ones. If optimistic messages alone exceed limit the oldest of
// them go too.
func (e *Entry) trimOldest(limit int) {
	if limit <= 0 || len(e.Messages) <= limit {
		return
	}
	excess := len(e.Messages) - limit
	kept := make([]chat.Message, 0, len(e.Messages))
	for _, m := range e.Messages {
		if excess > 0 && !m.IsOptimistic() {
			excess--
			e.HasMoreOlder = true
			continue
		}
		kept = append(kept, m)
	}
	if excess > 0 {
		kept = append([]chat.Message(nil), kept[excess:]...)
	}
	e.Messages = kept
	e.OldestLoadedID = oldestConfirmedID(e.Messages)
}

// trimNewest drops the newest confirmed messages beyond limit, keeping
// optimistic ones. If optimistic messages alone exceed limit the oldest
// messages go instead.
func (e *Entry) trimNewest(limit int) {
	if limit <= 0 || len(e.Messages) <= limit {
		return
	}
	excess := len(e.Messages) - limit
	for i := len(e.Messages) - 1; i >= 0 && excess > 0; i-- {
		if e.Messages[i].IsOptimistic() {
			continue
		}
		e.removeAt(i)
		excess--
		e.HasMoreNewer = true
	}
	e.trimOldest(limit)
}

func oldestConfirmedID(msgs []chat.Message) string {
	for _, m := range msgs {
		if !m.IsOptimistic() {
			return m.ID
		}
	}
	return ""
}
