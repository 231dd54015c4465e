package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event names (server -> client), carried in message.type.
const (
	EventNewMessage          = "new_message"
	EventMessageDelivered    = "message_delivered"
	EventMessageRead         = "message_read"
	EventConversationUpdated = "conversation_updated"
	EventPresenceUpdate      = "presence_update"
	EventActionError         = "action_error"
)

// Action names (client -> server), carried in the command data.
const (
	ActionJoinConversation  = "join_conversation"
	ActionLeaveConversation = "leave_conversation"
	ActionSendMessage       = "send_message"
	ActionMarkRead          = "mark_read"
	ActionUpdatePresence    = "update_presence"
)

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// MetaClientMessageID is the metadata key echoing the client correlation id.
const MetaClientMessageID = "client_message_id"

// ID is a server identifier. Servers emit integer primary keys or strings;
// both normalize to a string.
type ID string

// UnmarshalJSON accepts JSON numbers, strings and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id: not an integer: %s", n)
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as a plain string.
func (id ID) String() string { return string(id) }

// EventHeader is the common prefix of every event document.
type EventHeader struct {
	Type           string `json:"type"`
	ConversationID ID     `json:"conversation_id,omitempty"`
}

// MessagePayload is a server-confirmed message.
type MessagePayload struct {
	ID             ID             `json:"id"`
	ConversationID ID             `json:"conversation_id"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	SenderID       ID             `json:"sender_id,omitempty"`
	SenderRole     string         `json:"sender_role,omitempty"`
	MessageType    string         `json:"message_type,omitempty"`
	IsSystem       bool           `json:"is_system,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewMessageEvent is broadcast when a message is accepted.
type NewMessageEvent struct {
	EventHeader
	Message MessagePayload `json:"message"`
}

// MessageStatusEvent reports delivery or read receipts.
type MessageStatusEvent struct {
	EventHeader
	MessageID ID        `json:"message_id"`
	At        time.Time `json:"at"`
}

// ConversationPayload carries conversation metadata.
type ConversationPayload struct {
	ID           ID     `json:"id"`
	Status       string `json:"status,omitempty"`
	Priority     string `json:"priority,omitempty"`
	Title        string `json:"title,omitempty"`
	Participants []ID   `json:"participants,omitempty"`
	UnreadCount  int    `json:"unread_count,omitempty"`
}

// ConversationUpdatedEvent reports a metadata change.
type ConversationUpdatedEvent struct {
	EventHeader
	Conversation ConversationPayload `json:"conversation"`
}

// PresenceEvent reports a participant's presence flag.
type PresenceEvent struct {
	EventHeader
	UserID ID     `json:"user_id"`
	Status string `json:"status"`
}

// ActionErrorEvent is an action-level rejection.
type ActionErrorEvent struct {
	EventHeader
	Action          string `json:"action"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}
