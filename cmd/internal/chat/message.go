// Package chat holds the conversation domain types shared by the connection
// manager, the conversation cache and the sync engine.
package chat

import (
	"fmt"
	"strings"
	"time"

	"courier/cmd/internal/ids"
)

// LifecycleState is the delivery state of a message.
type LifecycleState uint8

const (
	StatePending LifecycleState = iota
	StateSent
	StateDelivered
	StateRead
	StateFailed
)

func (s LifecycleState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LifecycleState) MarshalText() ([]byte, error) {
	if s > StateFailed {
		return nil, fmt.Errorf("chat: invalid lifecycle state %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *LifecycleState) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "pending":
		*s = StatePending
	case "sent":
		*s = StateSent
	case "delivered":
		*s = StateDelivered
	case "read":
		*s = StateRead
	case "failed":
		*s = StateFailed
	default:
		return fmt.Errorf("chat: unknown lifecycle state %q", string(b))
	}
	return nil
}

// Confirmed reports whether the state was reached through a server event.
func (s LifecycleState) Confirmed() bool {
	return s == StateSent || s == StateDelivered || s == StateRead
}

// Message is one chat message, either server-confirmed or optimistic.
//
// Optimistic messages carry a temporary id (see ids.NewTempID) and a
// ClientMessageID that the server echoes back in the confirmed event.
type Message struct {
	ID              string
	ConversationID  string
	ClientMessageID string
	Content         string
	CreatedAt       time.Time
	SenderID        string
	SenderRole      string
	MessageType     string
	IsSystem        bool
	DeliveredAt     *time.Time
	ReadAt          *time.Time
	Metadata        map[string]any
	State           LifecycleState
}

// IsOptimistic reports whether m has not been reconciled with the server yet.
func (m Message) IsOptimistic() bool {
	return ids.IsTempID(m.ID)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		out.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// NewOptimistic builds a pending message with a fresh temporary id and
// correlation id.
func NewOptimistic(conversationID, senderID, senderRole, content string, now time.Time) (Message, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cid, err := ids.NewULID(now)
	if err != nil {
		return Message{}, fmt.Errorf("chat: correlation id: %w", err)
	}
	return Message{
		ID:              ids.NewTempID(),
		ConversationID:  conversationID,
		ClientMessageID: cid,
		Content:         content,
		CreatedAt:       now,
		SenderID:        senderID,
		SenderRole:      senderRole,
		MessageType:     "text",
		State:           StatePending,
	}, nil
}
