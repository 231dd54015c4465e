package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/cmd/internal/chat"
)

func TestDecodeEvent_NewMessage(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"type": "new_message",
		"conversation_id": 42,
		"message": {
			"id": 9001,
			"content": "hi",
			"created_at": "2026-01-02T03:04:05Z",
			"sender_id": 7,
			"sender_role": "customer",
			"message_type": "text",
			"metadata": {"client_message_id": "01HZZZ"}
		}
	}`)

	ev, err := decodeEvent(raw)
	require.NoError(t, err)
	require.Equal(t, KindMessageCreated, ev.Kind())

	msg := ev.(MessageCreated).Message
	assert.Equal(t, "9001", msg.ID)
	assert.Equal(t, "42", msg.ConversationID)
	assert.Equal(t, "7", msg.SenderID)
	assert.Equal(t, "01HZZZ", msg.ClientMessageID)
	assert.Equal(t, chat.StateSent, msg.State)
	assert.False(t, msg.IsOptimistic())
}

func TestDecodeEvent_Receipts(t *testing.T) {
	t.Parallel()

	ev, err := decodeEvent(json.RawMessage(`{"type":"message_read","conversation_id":"42","message_id":5,"at":"2026-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, KindMessageRead, ev.Kind())
	st := ev.(MessageStatusChanged)
	assert.Equal(t, "5", st.MessageID)
	assert.Equal(t, chat.StateRead, st.State())

	ev, err = decodeEvent(json.RawMessage(`{"type":"message_delivered","conversation_id":"42","message_id":"5"}`))
	require.NoError(t, err)
	assert.Equal(t, KindMessageDelivered, ev.Kind())

	_, err = decodeEvent(json.RawMessage(`{"type":"message_read","conversation_id":"42"}`))
	assert.Error(t, err)
}

func TestDecodeEvent_ActionError(t *testing.T) {
	t.Parallel()

	ev, err := decodeEvent(json.RawMessage(`{"type":"action_error","conversation_id":"42","action":"send_message","code":"forbidden","message":"closed","client_message_id":"c1"}`))
	require.NoError(t, err)

	rej := ev.(ActionRejected)
	assert.ErrorIs(t, rej.Err, ErrPerformRejected)
	assert.Equal(t, "c1", rej.Err.ClientMessageID)
	assert.Equal(t, "42", rej.Err.ConversationID)
}

func TestDecodeEvent_ConversationAndPresence(t *testing.T) {
	t.Parallel()

	ev, err := decodeEvent(json.RawMessage(`{"type":"conversation_updated","conversation":{"id":42,"status":"open","participants":[1,"2"],"unread_count":3}}`))
	require.NoError(t, err)
	cu := ev.(ConversationUpdated)
	assert.Equal(t, "42", cu.ConversationID)
	assert.Equal(t, []string{"1", "2"}, cu.Meta.Participants)
	assert.Equal(t, 3, cu.Meta.UnreadCount)

	ev, err = decodeEvent(json.RawMessage(`{"type":"presence_update","user_id":7,"status":"AWAY"}`))
	require.NoError(t, err)
	assert.Equal(t, "away", ev.(PresenceChanged).Status)
}

func TestDecodeEvent_Unknown(t *testing.T) {
	t.Parallel()

	ev, err := decodeEvent(json.RawMessage(`{"type":"typing","user_id":1}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ev.Kind())
	assert.Equal(t, "typing", ev.(UnknownEvent).Type)

	_, err = decodeEvent(json.RawMessage(`{"type":"new_message","message":{"content":"x"}}`))
	assert.Error(t, err)

	_, err = decodeEvent(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}
