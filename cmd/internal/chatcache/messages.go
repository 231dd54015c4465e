package chatcache

import (
	"fmt"
	"strings"
	"time"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/ids"
)

// AddMessage appends a server-confirmed message to id, creating the entry if
// needed. The optimistic message it supersedes is removed first. Re-delivery
// of a cached id is a no-op and reports false.
func (c *Cache) AddMessage(id string, msg chat.Message) bool {
	id = strings.TrimSpace(id)
	if id == "" || msg.ID == "" || msg.IsOptimistic() {
		return false
	}
	msg = msg.Clone()
	msg.ConversationID = id
	if !msg.State.Confirmed() {
		msg.State = chat.StateSent
	}

	return c.update(id, true, func(e *Entry) bool {
		if e.indexOf(msg.ID) >= 0 {
			return false
		}
		if i := c.supersededLocked(e, msg); i >= 0 {
			c.log.Debug("cache.reconcile", "conversation_id", id, "temp_id", e.Messages[i].ID, "message_id", msg.ID)
			e.removeAt(i)
		}
		e.insert(msg)
		if e.OldestLoadedID == "" {
			e.OldestLoadedID = oldestConfirmedID(e.Messages)
		}
		e.trimOldest(c.cfg.MaxMessagesPerConversation)
		return true
	})
}

// supersededLocked finds the optimistic message msg confirms: by correlation
// id, or by sender and content when the fallback is enabled and msg carries
// no correlation id.
func (c *Cache) supersededLocked(e *Entry, msg chat.Message) int {
	if msg.ClientMessageID != "" {
		for i, m := range e.Messages {
			if m.IsOptimistic() && m.ClientMessageID == msg.ClientMessageID {
				return i
			}
		}
		return -1
	}
	if !c.cfg.ContentMatchFallback {
		return -1
	}
	for i, m := range e.Messages {
		if m.IsOptimistic() && m.SenderID == msg.SenderID && m.Content == msg.Content {
			return i
		}
	}
	return -1
}

// AddOptimistic appends a pending message to id. A missing temporary id,
// correlation id or timestamp is generated. The stored message is returned.
func (c *Cache) AddOptimistic(id string, msg chat.Message) (chat.Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return chat.Message{}, ErrMissingConversation
	}
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = ids.NewTempID()
	}
	if !msg.IsOptimistic() {
		return chat.Message{}, ErrNotOptimistic
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.cfg.Now()
	}
	if msg.ClientMessageID == "" {
		cid, err := ids.NewULID(msg.CreatedAt)
		if err != nil {
			return chat.Message{}, fmt.Errorf("chatcache: correlation id: %w", err)
		}
		msg.ClientMessageID = cid
	}
	msg.ConversationID = id
	msg.State = chat.StatePending

	dup := false
	c.update(id, true, func(e *Entry) bool {
		if e.indexOf(msg.ID) >= 0 {
			dup = true
			return false
		}
		e.insert(msg)
		e.trimOldest(c.cfg.MaxMessagesPerConversation)
		return true
	})
	if dup {
		return chat.Message{}, ErrDuplicateTempID
	}
	return msg.Clone(), nil
}

// RemoveOptimistic discards the optimistic message tempID from id, or every
// optimistic message when tempID is empty. It returns how many were removed.
func (c *Cache) RemoveOptimistic(id, tempID string) int {
	removed := 0
	c.update(id, false, func(e *Entry) bool {
		kept := e.Messages[:0:0]
		for _, m := range e.Messages {
			if m.IsOptimistic() && (tempID == "" || m.ID == tempID) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		if removed == 0 {
			return false
		}
		e.Messages = kept
		return true
	})
	return removed
}

// PrependOlder merges a page of messages older than the ones held for id.
// OldestLoadedID and HasMoreOlder follow the page. When the cap is exceeded
// the newest confirmed messages are trimmed and HasMoreNewer is set.
func (c *Cache) PrependOlder(id string, older []chat.Message, hasMoreOlder bool) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	return c.update(id, true, func(e *Entry) bool {
		for _, m := range older {
			if m.ID == "" || m.IsOptimistic() || e.indexOf(m.ID) >= 0 {
				continue
			}
			m = m.Clone()
			m.ConversationID = id
			if !m.State.Confirmed() {
				m.State = chat.StateSent
			}
			e.insert(m)
		}
		e.HasMoreOlder = hasMoreOlder
		e.OldestLoadedID = oldestConfirmedID(e.Messages)
		e.trimNewest(c.cfg.MaxMessagesPerConversation)
		return true
	})
}

// UpdateStatus moves messageID forward to state (delivered or read). States
// never regress and optimistic messages are not touched.
func (c *Cache) UpdateStatus(id, messageID string, state chat.LifecycleState, at time.Time) bool {
	if state != chat.StateDelivered && state != chat.StateRead {
		return false
	}
	return c.update(id, false, func(e *Entry) bool {
		i := e.indexOf(messageID)
		if i < 0 {
			return false
		}
		m := &e.Messages[i]
		if m.IsOptimistic() || m.State >= state {
			return false
		}
		if at.IsZero() {
			at = c.cfg.Now()
		}
		t := at
		if m.DeliveredAt == nil {
			m.DeliveredAt = &t
		}
		if state == chat.StateRead {
			m.ReadAt = &t
		}
		m.State = state
		return true
	})
}

// MarkFailed flags the optimistic message with clientMessageID as Failed so
// it can be retried manually.
func (c *Cache) MarkFailed(id, clientMessageID string) bool {
	if clientMessageID == "" {
		return false
	}
	return c.update(id, false, func(e *Entry) bool {
		for i := range e.Messages {
			m := &e.Messages[i]
			if m.IsOptimistic() && m.ClientMessageID == clientMessageID {
				if m.State == chat.StateFailed {
					return false
				}
				m.State = chat.StateFailed
				return true
			}
		}
		return false
	})
}

// MarkPending moves a Failed optimistic message back to Pending for a retry.
func (c *Cache) MarkPending(id, tempID string) (chat.Message, bool) {
	var out chat.Message
	ok := c.update(id, false, func(e *Entry) bool {
		i := e.indexOf(tempID)
		if i < 0 || !e.Messages[i].IsOptimistic() || e.Messages[i].State != chat.StateFailed {
			return false
		}
		e.Messages[i].State = chat.StatePending
		out = e.Messages[i].Clone()
		return true
	})
	return out, ok
}
