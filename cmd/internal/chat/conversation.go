package chat

// Participant identifies the local user.
type Participant struct {
	ID   string
	Role string
}

// ConversationMeta is the non-message state of a conversation.
type ConversationMeta struct {
	Status       string
	Priority     string
	Title        string
	Participants []string
	UnreadCount  int
}

// Clone returns a deep copy of m.
func (m ConversationMeta) Clone() ConversationMeta {
	out := m
	if m.Participants != nil {
		out.Participants = append([]string(nil), m.Participants...)
	}
	return out
}
