package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	cable "courier/contracts/cable/v1"

	"courier/cmd/internal/chat"
)

// decodeEvent turns an application event document into a typed Event.
// Unmodelled event names decode to UnknownEvent rather than failing.
func decodeEvent(raw json.RawMessage) (Event, error) {
	var head cable.EventHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	switch head.Type {
	case cable.EventNewMessage:
		var p cable.NewMessageEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		if p.Message.ConversationID == "" {
			p.Message.ConversationID = head.ConversationID
		}
		if p.Message.ID == "" || p.Message.ConversationID == "" {
			return nil, fmt.Errorf("decode %s: missing id or conversation_id", head.Type)
		}
		return MessageCreated{Message: messageFromPayload(p.Message)}, nil

	case cable.EventMessageDelivered, cable.EventMessageRead:
		var p cable.MessageStatusEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		if p.MessageID == "" || p.ConversationID == "" {
			return nil, fmt.Errorf("decode %s: missing message_id or conversation_id", head.Type)
		}
		return MessageStatusChanged{
			Delivered:      head.Type == cable.EventMessageDelivered,
			ConversationID: p.ConversationID.String(),
			MessageID:      p.MessageID.String(),
			At:             p.At,
		}, nil

	case cable.EventConversationUpdated:
		var p cable.ConversationUpdatedEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		id := p.Conversation.ID
		if id == "" {
			id = head.ConversationID
		}
		if id == "" {
			return nil, fmt.Errorf("decode %s: missing conversation id", head.Type)
		}
		participants := make([]string, 0, len(p.Conversation.Participants))
		for _, pid := range p.Conversation.Participants {
			participants = append(participants, pid.String())
		}
		return ConversationUpdated{
			ConversationID: id.String(),
			Meta: chat.ConversationMeta{
				Status:       p.Conversation.Status,
				Priority:     p.Conversation.Priority,
				Title:        p.Conversation.Title,
				Participants: participants,
				UnreadCount:  p.Conversation.UnreadCount,
			},
		}, nil

	case cable.EventPresenceUpdate:
		var p cable.PresenceEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return PresenceChanged{
			ConversationID: p.ConversationID.String(),
			UserID:         p.UserID.String(),
			Status:         strings.ToLower(p.Status),
		}, nil

	case cable.EventActionError:
		var p cable.ActionErrorEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return ActionRejected{Err: &PerformRejectedError{
			Action:          p.Action,
			Code:            p.Code,
			Message:         p.Message,
			ConversationID:  p.ConversationID.String(),
			ClientMessageID: p.ClientMessageID,
		}}, nil

	default:
		return UnknownEvent{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func messageFromPayload(p cable.MessagePayload) chat.Message {
	m := chat.Message{
		ID:             p.ID.String(),
		ConversationID: p.ConversationID.String(),
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
		SenderID:       p.SenderID.String(),
		SenderRole:     p.SenderRole,
		MessageType:    p.MessageType,
		IsSystem:       p.IsSystem,
		DeliveredAt:    p.DeliveredAt,
		ReadAt:         p.ReadAt,
		Metadata:       p.Metadata,
		State:          chat.StateSent,
	}
	if cid, ok := p.Metadata[cable.MetaClientMessageID].(string); ok {
		m.ClientMessageID = cid
	}
	switch {
	case p.ReadAt != nil:
		m.State = chat.StateRead
	case p.DeliveredAt != nil:
		m.State = chat.StateDelivered
	}
	return m
}
