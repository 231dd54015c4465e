// Package realtime is courier's connection manager: one multiplexed cable
// connection, conversation joins layered as commands on a single top-level
// subscription, reconnection with backoff and a durable retry queue.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cable "courier/contracts/cable/v1"

	"courier/cmd/internal/metrics"
)

var errIntentionalDisconnect = errors.New("realtime: disconnected by client")

// Manager owns the connection state machine, the joined-channel set and the
// retry queue. Construct one per process with NewManager.
type Manager struct {
	log     *slog.Logger
	cfg     Config
	dialer  Dialer
	creds   CredentialProvider
	metrics *metrics.Metrics
	backoff Backoff
	now     func() time.Time

	queue    *RetryQueue
	channels *channelSet
	disp     *dispatcher

	// dialMu serializes connection attempts.
	dialMu sync.Mutex

	mu          sync.Mutex
	state       ConnectionState
	conn        *session
	dialCancel  context.CancelFunc
	reconnect   *reconnectJob
	attempt     int
	intentional bool
	closed      bool

	loadMu sync.Mutex
	loaded bool

	draining     atomic.Bool
	drainPending atomic.Bool
}

type reconnectJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *reconnectJob) stop() {
	j.cancel()
	<-j.done
}

// NewManager constructs a Manager. dialer defaults to WSDialer and store to
// an in-memory store; creds is required.
func NewManager(log *slog.Logger, cfg Config, dialer Dialer, creds CredentialProvider, store QueueStore, m *metrics.Metrics) (*Manager, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if creds == nil {
		return nil, fmt.Errorf("%w: nil credential provider", ErrConfig)
	}
	cfg = cfg.withDefaults()
	if _, err := EndpointURL(cfg.BaseURL, cfg.CablePath, Credentials{}); err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = WSDialer{}
	}

	mgr := &Manager{
		log:      log,
		cfg:      cfg,
		dialer:   dialer,
		creds:    creds,
		metrics:  m,
		backoff:  Backoff{Min: cfg.MinBackoff, Max: cfg.MaxBackoff},
		now:      func() time.Time { return time.Now().UTC() },
		queue:    NewRetryQueue(store, cfg.QueueKey),
		channels: newChannelSet(),
		disp:     newDispatcher(log, m),
	}
	mgr.disp.start()
	m.SetConnectionState(int(StateDisconnected))
	return mgr, nil
}

// Connect opens the connection and waits for the subscription ack. It is a
// no-op when already connected. A failed attempt schedules reconnection when
// AutoReconnect is on; the error is still returned.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.ensureLoaded(ctx); err != nil {
		m.log.Warn("realtime.queue.load_fail", "err", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.intentional = false
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	job := m.reconnect
	m.reconnect = nil
	m.mu.Unlock()

	if job != nil {
		job.stop()
	}

	err := m.dial(ctx, StateConnecting, nil)
	if err == nil {
		return nil
	}
	m.log.Warn("realtime.connect.fail", "err", err)
	if m.cfg.AutoReconnect && shouldReconnect(err) {
		m.scheduleReconnect(err)
	} else {
		m.setState(StateDisconnected, err)
	}
	return err
}

// Disconnect closes the connection intentionally: reconnection is cancelled,
// an offline presence update is sent best-effort and the joined-channel set
// is cleared. The retry queue is kept.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.intentional = true
	job := m.reconnect
	m.reconnect = nil
	cancelDial := m.dialCancel
	sess := m.conn
	m.conn = nil
	m.attempt = 0
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	if job != nil {
		job.stop()
	}
	if sess != nil {
		sess.stopTimers()
		if err := m.writeCommand(ctx, sess, cable.ActionUpdatePresence, map[string]any{"status": cable.PresenceOffline}); err != nil {
			m.log.Debug("realtime.disconnect.presence_fail", "err", err)
		}
		sess.close("client disconnect")
	}
	m.channels.clear()
	m.log.Info("realtime.disconnect.ok")
	return nil
}

// Close disconnects and stops event dispatch. Queued events are delivered
// before Close returns. The queue store is not closed.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseGrace)
	defer cancel()
	err := m.Disconnect(ctx)

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.disp.close()
	return err
}

// Subscribe registers h for events of kind (KindAll for every event) and
// returns a function removing only this registration.
func (m *Manager) Subscribe(kind EventKind, h Handler) func() {
	return m.disp.subscribe(kind, h)
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempt returns the number of reconnection attempts since the last
// successful connect.
func (m *Manager) ReconnectAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Channels returns the joined conversations.
func (m *Manager) Channels() []ChannelSubscription {
	return m.channels.list()
}

// PendingOperations returns the retry queue in enqueue order.
func (m *Manager) PendingOperations() []PendingOperation {
	return m.queue.Snapshot()
}

// JoinConversation joins conversation id. The id is tracked for rejoin after
// reconnect only when the join command was sent.
func (m *Manager) JoinConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("realtime: missing conversation id")
	}
	if err := m.Perform(ctx, cable.ActionJoinConversation, map[string]any{"conversation_id": id}); err != nil {
		return err
	}
	if m.channels.add(id, m.now()) {
		m.log.Info("realtime.join.ok", "conversation_id", id)
	}
	return nil
}

// LeaveConversation leaves conversation id. Unknown ids are a no-op. While
// disconnected the id is dropped locally since the server holds no
// subscription for it.
func (m *Manager) LeaveConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if !m.channels.has(id) {
		return nil
	}
	err := m.Perform(ctx, cable.ActionLeaveConversation, map[string]any{"conversation_id": id})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	m.channels.remove(id)
	m.log.Info("realtime.leave.ok", "conversation_id", id)
	return nil
}

func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if m.loaded {
		return nil
	}
	if err := m.queue.Load(ctx); err != nil {
		return err
	}
	m.loaded = true
	m.metrics.SetRetryQueueDepth(m.queue.Len())
	return nil
}

// dial runs one connection attempt. On success the state is Connected and
// the session is live; on failure the state is left to the caller.
func (m *Manager) dial(ctx context.Context, via ConnectionState, job *reconnectJob) error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.intentional {
		m.mu.Unlock()
		return errIntentionalDisconnect
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.dialCancel = cancel
	m.setStateLocked(via, nil)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.dialCancel = nil
		m.mu.Unlock()
	}()

	creds, err := resolveCredentials(attemptCtx, m.creds)
	if err != nil {
		return fmt.Errorf("realtime: credentials: %w", err)
	}
	endpoint, err := EndpointURL(m.cfg.BaseURL, m.cfg.CablePath, creds)
	if err != nil {
		return err
	}
	identifier, err := cable.ChannelIdentifier{Channel: m.cfg.Channel, UserID: creds.UserID}.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	dialCtx, dialCancel := context.WithTimeout(attemptCtx, m.cfg.ConnectTimeout)
	defer dialCancel()

	t, err := m.dialer.Dial(dialCtx, endpoint)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && attemptCtx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	sess := newSession(t, identifier)
	go m.readLoop(sess)

	sub, err := encodeFrame(cable.NewSubscribe(identifier))
	if err != nil {
		sess.close("encode failed")
		return err
	}
	if err := m.writeFrame(dialCtx, sess, sub, cable.CommandSubscribe, ""); err != nil {
		sess.close("subscribe failed")
		return err
	}

	select {
	case err := <-sess.ready:
		if err != nil {
			sess.close("subscribe failed")
			return err
		}
	case <-dialCtx.Done():
		sess.close("connect timeout")
		if attemptCtx.Err() != nil {
			return attemptCtx.Err()
		}
		return ErrConnectTimeout
	}

	m.mu.Lock()
	if m.closed || m.intentional {
		m.mu.Unlock()
		sess.close("client disconnect")
		return errIntentionalDisconnect
	}
	m.conn = sess
	m.attempt = 0
	if m.reconnect == job {
		m.reconnect = nil
	}
	m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	m.log.Info("realtime.connect.ok", "endpoint", redactEndpoint(endpoint), "user_id", creds.UserID)

	go m.heartbeatLoop(sess)
	go m.pingLoop(sess)

	m.rejoin(sess)
	m.kickDrain()
	return nil
}

func (m *Manager) rejoin(sess *session) {
	for _, ch := range m.channels.list() {
		err := m.writeCommand(sess.ctx, sess, cable.ActionJoinConversation, map[string]any{"conversation_id": ch.ConversationID})
		if err != nil {
			m.log.Warn("realtime.rejoin.fail", "conversation_id", ch.ConversationID, "err", err)
			return
		}
	}
	if err := m.writeCommand(sess.ctx, sess, cable.ActionUpdatePresence, map[string]any{"status": cable.PresenceOnline}); err != nil {
		m.log.Debug("realtime.presence.fail", "err", err)
	}
}

// handleClosed runs once per live session when its transport fails.
func (m *Manager) handleClosed(sess *session, cause error) {
	m.mu.Lock()
	if m.conn != sess {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	intentional := m.intentional || m.closed
	if intentional {
		m.setStateLocked(StateDisconnected, nil)
	}
	m.mu.Unlock()

	sess.close("connection lost")
	if intentional {
		return
	}

	m.log.Warn("realtime.connection.lost", "err", cause)
	if m.cfg.AutoReconnect && !sess.noReconnect.Load() {
		m.scheduleReconnect(cause)
		return
	}
	m.setState(StateDisconnected, cause)
}

func (m *Manager) scheduleReconnect(cause error) {
	m.mu.Lock()
	if m.closed || m.intentional || m.reconnect != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	job := &reconnectJob{cancel: cancel, done: make(chan struct{})}
	m.reconnect = job
	m.setStateLocked(StateReconnecting, cause)
	m.mu.Unlock()

	go m.reconnectLoop(ctx, job)
}

func (m *Manager) reconnectLoop(ctx context.Context, job *reconnectJob) {
	defer close(job.done)
	defer func() {
		m.mu.Lock()
		if m.reconnect == job {
			m.reconnect = nil
		}
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		attempt := m.attempt
		if limit := m.cfg.MaxReconnectAttempts; limit > 0 && attempt >= limit {
			m.setStateLocked(StateDisconnected, ErrTransportClosed)
			m.mu.Unlock()
			m.log.Warn("realtime.reconnect.give_up", "attempts", attempt)
			return
		}
		m.attempt++
		m.mu.Unlock()

		delay := m.backoff.Delay(attempt)
		m.metrics.IncReconnectAttempt()
		m.log.Info("realtime.reconnect.wait", "attempt", attempt+1, "delay", delay.String())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.dial(ctx, StateReconnecting, job)
		if err == nil {
			return
		}
		if ctx.Err() != nil || errors.Is(err, errIntentionalDisconnect) {
			return
		}
		m.log.Warn("realtime.reconnect.fail", "attempt", attempt+1, "err", err)
		if !shouldReconnect(err) {
			m.setState(StateDisconnected, err)
			return
		}
	}
}

func (m *Manager) setState(to ConnectionState, cause error) {
	m.mu.Lock()
	m.setStateLocked(to, cause)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(to ConnectionState, cause error) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.metrics.SetConnectionState(int(to))
	m.disp.publish(StateChanged{From: from, To: to, Err: cause})
}

func (m *Manager) current(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == sess && m.state == StateConnected
}

// shouldReconnect excludes failures a new attempt cannot fix.
func shouldReconnect(err error) bool {
	return !errors.Is(err, ErrConfig) &&
		!errors.Is(err, ErrClosed) &&
		!errors.Is(err, errIntentionalDisconnect) &&
		!errors.Is(err, context.Canceled)
}
