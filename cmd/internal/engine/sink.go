package engine

import (
	"errors"

	cable "courier/contracts/cable/v1"

	"courier/cmd/internal/chatcache"
	"courier/cmd/internal/realtime"
)

// handle applies one manager event. It runs on the dispatch goroutine.
func (e *Engine) handle(ev realtime.Event) {
	switch ev := ev.(type) {
	case realtime.MessageCreated:
		e.cache.AddMessage(ev.Message.ConversationID, ev.Message)

	case realtime.MessageStatusChanged:
		e.cache.UpdateStatus(ev.ConversationID, ev.MessageID, ev.State(), ev.At)

	case realtime.ConversationUpdated:
		e.cache.UpdateMeta(ev.ConversationID, ev.Meta)

	case realtime.PresenceChanged:
		e.mu.Lock()
		if _, ok := e.open[ev.ConversationID]; ok {
			if e.presence[ev.ConversationID] == nil {
				e.presence[ev.ConversationID] = make(map[string]string)
			}
			e.presence[ev.ConversationID][ev.UserID] = ev.Status
		}
		e.mu.Unlock()

	case realtime.ActionRejected:
		if ev.Err == nil || ev.Err.Action != cable.ActionSendMessage {
			return
		}
		e.log.Warn("engine.send.rejected", "conversation_id", ev.Err.ConversationID, "client_message_id", ev.Err.ClientMessageID, "code", ev.Err.Code)
		e.markFailed(ev.Err.ConversationID, ev.Err.ClientMessageID)

	case realtime.OperationFailed:
		if ev.Op.Action != cable.ActionSendMessage {
			return
		}
		id, _ := ev.Op.Payload["conversation_id"].(string)
		cid, _ := ev.Op.Payload[cable.MetaClientMessageID].(string)
		e.log.Warn("engine.send.abandoned", "conversation_id", id, "client_message_id", cid, "err", ev.Err)
		e.markFailed(id, cid)

	case realtime.StateChanged:
		if ev.To == realtime.StateConnected {
			e.joinOpen()
		}
	}
}

// markFailed flags the optimistic message with cid. Without a conversation
// id every cached conversation is searched.
func (e *Engine) markFailed(id, cid string) {
	if cid == "" {
		return
	}
	if id != "" {
		e.cache.MarkFailed(id, cid)
		return
	}
	for _, cached := range e.cache.IDs() {
		if e.cache.MarkFailed(cached, cid) {
			return
		}
	}
}

// joinOpen joins open conversations the manager is not tracking yet.
func (e *Engine) joinOpen() {
	joined := make(map[string]struct{})
	for _, ch := range e.conn.Channels() {
		joined[ch.ConversationID] = struct{}{}
	}
	for _, id := range e.OpenConversations() {
		if _, ok := joined[id]; ok {
			continue
		}
		if err := e.conn.JoinConversation(e.ctx, id); err != nil {
			e.log.Warn("engine.join.fail", "conversation_id", id, "err", err)
			if errors.Is(err, realtime.ErrNotConnected) {
				return
			}
		}
	}
}

// evicted leaves the channel of a conversation dropped from the cache.
// An open conversation that merely went stale stays joined: its next event
// or Open recreates the entry.
func (e *Engine) evicted(id string, reason chatcache.EvictReason) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if _, open := e.open[id]; open && reason == chatcache.EvictStale {
		e.mu.Unlock()
		e.log.Debug("engine.evict.keep", "conversation_id", id, "reason", string(reason))
		return
	}
	delete(e.open, id)
	delete(e.presence, id)
	e.mu.Unlock()

	if err := e.conn.LeaveConversation(e.ctx, id); err != nil {
		e.log.Warn("engine.leave.fail", "conversation_id", id, "reason", string(reason), "err", err)
		return
	}
	e.log.Debug("engine.evict.leave", "conversation_id", id, "reason", string(reason))
}
