// Package engine glues the connection manager to the conversation cache.
//
// Inbound events are applied to the cache on the manager's dispatch
// goroutine; UI-facing operations insert optimistic state first and hand the
// outbound action to the manager's reliable path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	cable "courier/contracts/cable/v1"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/chatcache"
	"courier/cmd/internal/realtime"
)

// MaxContentBytes bounds outbound message content.
const MaxContentBytes = 16 << 10

var (
	ErrEmptyContent    = errors.New("engine: empty content")
	ErrContentTooLarge = errors.New("engine: content too large")
	ErrInvalidContent  = errors.New("engine: content is not valid utf-8")
	ErrInvalidPresence = errors.New("engine: invalid presence status")
	ErrNotFailed       = errors.New("engine: message is not a failed optimistic message")
	ErrStopped         = errors.New("engine: stopped")
	ErrRateLimited     = errors.New("engine: send rate limited")
)

// Conn is the part of *realtime.Manager the engine drives.
type Conn interface {
	Subscribe(kind realtime.EventKind, h realtime.Handler) func()
	State() realtime.ConnectionState
	Channels() []realtime.ChannelSubscription
	JoinConversation(ctx context.Context, id string) error
	LeaveConversation(ctx context.Context, id string) error
	PerformReliable(ctx context.Context, action string, data map[string]any) (bool, error)
}

var _ Conn = (*realtime.Manager)(nil)

// Engine is safe for concurrent use.
type Engine struct {
	log   *slog.Logger
	conn  Conn
	cache *chatcache.Cache
	self  chat.Participant

	limiter *rateLimiter
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()

	mu       sync.Mutex
	open     map[string]struct{}
	presence map[string]map[string]string
	stopped  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithSendLimit caps SendMessage and Retry to limit calls per window.
// Non-positive values keep the defaults (20 per 10s).
func WithSendLimit(limit int, window time.Duration) Option {
	return func(e *Engine) { e.limiter = newRateLimiter(limit, window) }
}

// New subscribes the engine to conn's events and cache's evictions.
func New(log *slog.Logger, conn Conn, cache *chatcache.Cache, self chat.Participant, opts ...Option) (*Engine, error) {
	if conn == nil || cache == nil {
		return nil, errors.New("engine: conn and cache are required")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:      log,
		conn:     conn,
		cache:    cache,
		self:     self,
		limiter:  newRateLimiter(0, 0),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		open:     make(map[string]struct{}),
		presence: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.unsubs = append(e.unsubs,
		conn.Subscribe(realtime.KindAll, realtime.HandlerFunc(e.handle)),
		cache.OnEvict(e.evicted),
	)
	return e, nil
}

// Stop detaches the engine. The connection and cache stay usable.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	for _, u := range e.unsubs {
		u()
	}
	e.cancel()
}

// Open marks id as open, joins its channel and returns the cached entry.
// A join that fails because the connection is down is retried once the
// connection is back.
func (e *Engine) Open(ctx context.Context, id string) (chatcache.Entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return chatcache.Entry{}, chatcache.ErrMissingConversation
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return chatcache.Entry{}, ErrStopped
	}
	e.open[id] = struct{}{}
	e.mu.Unlock()

	if err := e.conn.JoinConversation(ctx, id); err != nil && !realtime.IsRecoverable(err) {
		e.mu.Lock()
		delete(e.open, id)
		e.mu.Unlock()
		return chatcache.Entry{}, err
	}

	entry, ok := e.cache.Get(id)
	if !ok {
		entry = chatcache.Entry{ConversationID: id}
	}
	return entry, nil
}

// CloseConversation leaves id. Cached messages are kept until evicted.
func (e *Engine) CloseConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	e.mu.Lock()
	delete(e.open, id)
	delete(e.presence, id)
	e.mu.Unlock()
	return e.conn.LeaveConversation(ctx, id)
}

// OpenConversations returns the ids marked open.
func (e *Engine) OpenConversations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.open))
	for id := range e.open {
		out = append(out, id)
	}
	return out
}

// Watch registers fn for every change to conversation id.
func (e *Engine) Watch(id string, fn func(chatcache.Entry)) func() {
	return e.cache.Subscribe(id, fn)
}

// Presence returns the last known presence status per participant of id.
func (e *Engine) Presence(id string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.presence[id]))
	for k, v := range e.presence[id] {
		out[k] = v
	}
	return out
}

// SendMessage inserts an optimistic message and sends it through the
// reliable path. The returned message is the optimistic one; a send that
// fails outright leaves it Failed.
func (e *Engine) SendMessage(ctx context.Context, id, content string) (chat.Message, error) {
	if err := validateContent(content); err != nil {
		return chat.Message{}, err
	}
	if !e.limiter.allow(e.now()) {
		return chat.Message{}, ErrRateLimited
	}
	msg, err := e.cache.AddOptimistic(id, chat.Message{
		Content:     content,
		SenderID:    e.self.ID,
		SenderRole:  e.self.Role,
		MessageType: "text",
	})
	if err != nil {
		return chat.Message{}, err
	}
	if err := e.send(ctx, msg); err != nil {
		e.cache.MarkFailed(msg.ConversationID, msg.ClientMessageID)
		msg.State = chat.StateFailed
		return msg, err
	}
	return msg, nil
}

// Retry resends a Failed optimistic message with its original correlation id.
func (e *Engine) Retry(ctx context.Context, id, tempID string) (chat.Message, error) {
	if !e.limiter.allow(e.now()) {
		return chat.Message{}, ErrRateLimited
	}
	msg, ok := e.cache.MarkPending(id, tempID)
	if !ok {
		return chat.Message{}, ErrNotFailed
	}
	if err := e.send(ctx, msg); err != nil {
		e.cache.MarkFailed(msg.ConversationID, msg.ClientMessageID)
		msg.State = chat.StateFailed
		return msg, err
	}
	return msg, nil
}

// Discard drops an optimistic message (e.g. a Failed send the user gave up on).
func (e *Engine) Discard(id, tempID string) bool {
	if tempID == "" {
		return false
	}
	return e.cache.RemoveOptimistic(id, tempID) > 0
}

// MarkRead reports messageID in id as read.
func (e *Engine) MarkRead(ctx context.Context, id, messageID string) error {
	id, messageID = strings.TrimSpace(id), strings.TrimSpace(messageID)
	if id == "" || messageID == "" {
		return errors.New("engine: missing conversation or message id")
	}
	_, err := e.conn.PerformReliable(ctx, cable.ActionMarkRead, map[string]any{
		"conversation_id": id,
		"message_id":      messageID,
	})
	return err
}

// SetPresence publishes the local user's presence (online, away or offline).
func (e *Engine) SetPresence(ctx context.Context, status string) error {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case cable.PresenceOnline, cable.PresenceAway, cable.PresenceOffline:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPresence, status)
	}
	_, err := e.conn.PerformReliable(ctx, cable.ActionUpdatePresence, map[string]any{"status": status})
	return err
}

func (e *Engine) send(ctx context.Context, msg chat.Message) error {
	sent, err := e.conn.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{
		"conversation_id":         msg.ConversationID,
		"content":                 msg.Content,
		cable.MetaClientMessageID: msg.ClientMessageID,
	})
	if err != nil {
		e.log.Warn("engine.send.fail", "conversation_id", msg.ConversationID, "client_message_id", msg.ClientMessageID, "err", err)
		return err
	}
	e.log.Debug("engine.send.ok", "conversation_id", msg.ConversationID, "client_message_id", msg.ClientMessageID, "queued", !sent)
	return nil
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	if !utf8.ValidString(content) {
		return ErrInvalidContent
	}
	return nil
}
