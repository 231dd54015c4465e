package realtime

import (
	"encoding/json"
	"time"

	"courier/cmd/internal/chat"
)

// EventKind is the closed set of events the Manager dispatches.
type EventKind uint8

const (
	// KindAll subscribes to every event.
	KindAll EventKind = iota
	KindMessageCreated
	KindMessageDelivered
	KindMessageRead
	KindConversationUpdated
	KindPresenceChanged
	KindActionRejected
	KindOperationFailed
	KindStateChanged
	KindUnknown
)

func (k EventKind) String() string {
	switch k {
	case KindAll:
		return "*"
	case KindMessageCreated:
		return "message_created"
	case KindMessageDelivered:
		return "message_delivered"
	case KindMessageRead:
		return "message_read"
	case KindConversationUpdated:
		return "conversation_updated"
	case KindPresenceChanged:
		return "presence_changed"
	case KindActionRejected:
		return "action_rejected"
	case KindOperationFailed:
		return "operation_failed"
	case KindStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Event is a decoded inbound event or a locally raised one.
type Event interface {
	Kind() EventKind
}

// MessageCreated carries a server-confirmed message.
type MessageCreated struct {
	Message chat.Message
}

func (MessageCreated) Kind() EventKind { return KindMessageCreated }

// MessageStatusChanged reports a delivery or read receipt.
type MessageStatusChanged struct {
	Delivered      bool
	ConversationID string
	MessageID      string
	At             time.Time
}

func (e MessageStatusChanged) Kind() EventKind {
	if e.Delivered {
		return KindMessageDelivered
	}
	return KindMessageRead
}

// State returns the lifecycle state the receipt moves the message to.
func (e MessageStatusChanged) State() chat.LifecycleState {
	if e.Delivered {
		return chat.StateDelivered
	}
	return chat.StateRead
}

// ConversationUpdated carries new conversation metadata.
type ConversationUpdated struct {
	ConversationID string
	Meta           chat.ConversationMeta
}

func (ConversationUpdated) Kind() EventKind { return KindConversationUpdated }

// PresenceChanged reports a participant's presence flag.
type PresenceChanged struct {
	ConversationID string
	UserID         string
	Status         string
}

func (PresenceChanged) Kind() EventKind { return KindPresenceChanged }

// ActionRejected is a server-side error for a previously performed action.
type ActionRejected struct {
	Err *PerformRejectedError
}

func (ActionRejected) Kind() EventKind { return KindActionRejected }

// OperationFailed is raised locally when a retry-queue entry is abandoned.
type OperationFailed struct {
	Op  PendingOperation
	Err error
}

func (OperationFailed) Kind() EventKind { return KindOperationFailed }

// StateChanged is raised locally on every connection state transition.
type StateChanged struct {
	From ConnectionState
	To   ConnectionState
	Err  error
}

func (StateChanged) Kind() EventKind { return KindStateChanged }

// UnknownEvent preserves events this client does not model.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (UnknownEvent) Kind() EventKind { return KindUnknown }
