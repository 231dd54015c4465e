package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cable "courier/contracts/cable/v1"

	"courier/cmd/internal/realtime"
	"courier/cmd/internal/realtime/realtimetest"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() realtime.Config {
	return realtime.Config{
		BaseURL:           "http://api.test",
		AutoReconnect:     true,
		ConnectTimeout:    500 * time.Millisecond,
		MinBackoff:        5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		PingInterval:      time.Hour,
		DrainPacing:       -1,
	}
}

func newManager(t *testing.T, srv *realtimetest.Server, store realtime.QueueStore, mutate func(*realtime.Config)) *realtime.Manager {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := realtime.NewManager(nil, cfg, srv, realtime.StaticCredentials{Token: "tok", UserID: "7"}, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) Handle(e realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.events...)
}

func TestManager_ConnectHandshake(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, nil)

	var states recorder
	m.Subscribe(realtime.KindStateChanged, &states)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, realtime.StateConnected, m.State())

	require.Equal(t, []string{"ws://api.test/cable?token=tok&user_id=7"}, srv.Endpoints())

	frames := srv.Last().Frames()
	require.NotEmpty(t, frames)
	assert.Equal(t, cable.CommandSubscribe, frames[0].Command)
	ident, err := cable.ParseIdentifier(frames[0].Identifier)
	require.NoError(t, err)
	assert.Equal(t, "NotificationsChannel", ident.Channel)
	assert.Equal(t, "7", ident.UserID)

	// Already connected: no second dial.
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, srv.DialAttempts())

	require.Eventually(t, func() bool { return len(states.all()) >= 2 }, waitFor, tick)
	got := states.all()
	assert.Equal(t, realtime.StateConnecting, got[0].(realtime.StateChanged).To)
	assert.Equal(t, realtime.StateConnected, got[1].(realtime.StateChanged).To)
}

func TestManager_PerformRequiresConnection(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, nil)

	err := m.Perform(context.Background(), cable.ActionSendMessage, map[string]any{"content": "hi"})
	require.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.True(t, realtime.IsRecoverable(err))
	assert.Zero(t, srv.DialAttempts())

	require.ErrorIs(t, m.JoinConversation(context.Background(), "42"), realtime.ErrNotConnected)
	assert.Empty(t, m.Channels())

	// Leaving an unknown conversation is a no-op.
	require.NoError(t, m.LeaveConversation(context.Background(), "nope"))
}

func TestManager_ReconnectRejoinsChannels(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinConversation(ctx, "42"))
	require.NoError(t, m.JoinConversation(ctx, "43"))

	first := srv.Last()
	first.Drop()

	require.Eventually(t, func() bool {
		return srv.DialAttempts() == 2 && m.State() == realtime.StateConnected
	}, waitFor, tick)

	second := srv.Last()
	require.NotSame(t, first, second)
	require.Eventually(t, func() bool { return len(second.Commands(cable.ActionJoinConversation)) == 2 }, waitFor, tick)

	joins := second.Commands(cable.ActionJoinConversation)
	assert.Equal(t, "42", joins[0]["conversation_id"])
	assert.Equal(t, "43", joins[1]["conversation_id"])
	assert.Len(t, m.Channels(), 2)
	assert.Zero(t, m.ReconnectAttempt())
}

func TestManager_DisconnectClearsChannelsKeepsQueue(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinConversation(ctx, "42"))
	conn := srv.Last()

	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, realtime.StateDisconnected, m.State())
	assert.Empty(t, m.Channels())
	assert.True(t, conn.Closed())

	presence := conn.Commands(cable.ActionUpdatePresence)
	require.NotEmpty(t, presence)
	assert.Equal(t, cable.PresenceOffline, presence[len(presence)-1]["status"])

	sent, err := m.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{"content": "later"})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, m.PendingOperations(), 1)

	// Intentional disconnect suppresses reconnection.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.DialAttempts())
	assert.Equal(t, realtime.StateDisconnected, m.State())

	// The queue survives the cycle and drains on the next connect.
	require.NoError(t, m.Connect(ctx))
	require.Eventually(t, func() bool { return len(m.PendingOperations()) == 0 }, waitFor, tick)
	assert.Len(t, srv.Last().Commands(cable.ActionSendMessage), 1)
}

func TestManager_PerformReliableQueuesWhileDisconnected(t *testing.T) {
	t.Parallel()

	store := realtime.NewMemoryQueueStore()
	srv := realtimetest.NewServer()
	m := newManager(t, srv, store, nil)
	ctx := context.Background()

	sent, err := m.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{"conversation_id": "42", "content": "hi"})
	require.NoError(t, err)
	assert.False(t, sent)

	persisted, err := realtime.LoadQueue(ctx, store, "")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, cable.ActionSendMessage, persisted[0].Action)
	assert.Zero(t, persisted[0].RetryCount)

	require.NoError(t, m.Connect(ctx))
	require.Eventually(t, func() bool { return len(m.PendingOperations()) == 0 }, waitFor, tick)

	cmds := srv.Commands(cable.ActionSendMessage)
	require.Len(t, cmds, 1)
	assert.Equal(t, "hi", cmds[0]["content"])

	persisted, err = realtime.LoadQueue(ctx, store, "")
	require.NoError(t, err)
	assert.Empty(t, persisted)

	// Connected and queue empty: sent immediately.
	sent, err = m.PerformReliable(ctx, cable.ActionMarkRead, map[string]any{"message_id": "1"})
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestManager_QueueSurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := realtime.NewMemoryQueueStore()

	before := newManager(t, realtimetest.NewServer(), store, nil)
	_, err := before.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{"content": "a"})
	require.NoError(t, err)
	_, err = before.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{"content": "b"})
	require.NoError(t, err)
	require.NoError(t, before.Close())

	srv := realtimetest.NewServer()
	after := newManager(t, srv, store, nil)
	require.NoError(t, after.Connect(ctx))

	require.Eventually(t, func() bool { return len(after.PendingOperations()) == 0 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)

	cmds := srv.Commands(cable.ActionSendMessage)
	require.Len(t, cmds, 2, "each operation is sent exactly once")
	assert.Equal(t, "a", cmds[0]["content"])
	assert.Equal(t, "b", cmds[1]["content"])
}

func TestManager_DropsOperationAfterMaxRetries(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	srv.SetFailAction(cable.ActionSendMessage, true)
	m := newManager(t, srv, nil, nil)
	ctx := context.Background()

	var failed recorder
	m.Subscribe(realtime.KindOperationFailed, &failed)

	_, err := m.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{"content": "doomed"})
	require.NoError(t, err)

	require.NoError(t, m.Connect(ctx))

	require.Eventually(t, func() bool { return len(failed.all()) == 1 }, waitFor, tick)
	ev := failed.all()[0].(realtime.OperationFailed)
	assert.ErrorIs(t, ev.Err, realtime.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, ev.Op.RetryCount)
	assert.Equal(t, "doomed", ev.Op.Payload["content"])
	assert.Empty(t, m.PendingOperations())

	// One dial per failed drain: the failing write drops the connection.
	assert.GreaterOrEqual(t, srv.DialAttempts(), 3)
}

func TestManager_ConnectTimeout(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	srv.SetSilent(true)
	m := newManager(t, srv, nil, func(c *realtime.Config) {
		c.AutoReconnect = false
		c.ConnectTimeout = 30 * time.Millisecond
	})

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, realtime.ErrConnectTimeout)
	assert.True(t, realtime.IsRecoverable(err))
	assert.Equal(t, realtime.StateDisconnected, m.State())
	assert.True(t, srv.Last().Closed())
}

func TestManager_RejectedSubscriptionRetries(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	srv.SetReject(true)
	m := newManager(t, srv, nil, func(c *realtime.Config) {
		c.MinBackoff = 20 * time.Millisecond
		c.MaxBackoff = 40 * time.Millisecond
	})

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, realtime.ErrSubscriptionRejected)
	assert.Equal(t, realtime.StateReconnecting, m.State())

	srv.SetReject(false)
	require.Eventually(t, func() bool { return m.State() == realtime.StateConnected }, waitFor, tick)
	assert.Zero(t, m.ReconnectAttempt())
}

func TestManager_DisconnectCancelsScheduledReconnect(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, func(c *realtime.Config) {
		c.MinBackoff = time.Hour
		c.MaxBackoff = time.Hour
	})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	srv.Last().Drop()
	require.Eventually(t, func() bool { return m.State() == realtime.StateReconnecting }, waitFor, tick)

	done := make(chan struct{})
	go func() {
		_ = m.Disconnect(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("disconnect blocked on the backoff timer")
	}

	assert.Equal(t, realtime.StateDisconnected, m.State())
	assert.Equal(t, 1, srv.DialAttempts())
}

func TestManager_MaxReconnectAttempts(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, func(c *realtime.Config) {
		c.MaxReconnectAttempts = 2
	})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	srv.SetDialError(errors.New("network down"))
	srv.Last().Drop()

	require.Eventually(t, func() bool { return m.State() == realtime.StateDisconnected }, waitFor, tick)
	assert.Equal(t, 3, srv.DialAttempts())
}

func TestManager_ServerDisconnectWithoutReconnect(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, nil)

	require.NoError(t, m.Connect(context.Background()))
	no := false
	require.NoError(t, srv.Last().Push(cable.Inbound{Type: cable.TypeDisconnect, Reason: "unauthorized", Reconnect: &no}))

	require.Eventually(t, func() bool { return m.State() == realtime.StateDisconnected }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, srv.DialAttempts())
}

func TestManager_DispatchesEventsInOrder(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, nil)
	require.NoError(t, m.Connect(context.Background()))

	var got recorder
	m.Subscribe(realtime.KindMessageCreated, &got)
	m.Subscribe(realtime.KindMessageCreated, realtime.HandlerFunc(func(realtime.Event) { panic("bad handler") }))

	conn := srv.Last()
	for _, id := range []cable.ID{"1", "2", "3"} {
		require.NoError(t, conn.PushEvent(cable.NewMessageEvent{
			EventHeader: cable.EventHeader{Type: cable.EventNewMessage, ConversationID: "42"},
			Message:     cable.MessagePayload{ID: id, ConversationID: "42", Content: "m" + string(id)},
		}))
	}
	require.NoError(t, conn.Push(map[string]any{"type": cable.TypePing, "message": 1}))

	require.Eventually(t, func() bool { return len(got.all()) == 3 }, waitFor, tick)
	for i, e := range got.all() {
		msg := e.(realtime.MessageCreated).Message
		assert.Equal(t, string(rune('1'+i)), msg.ID)
	}
	assert.Equal(t, realtime.StateConnected, m.State())
}

func onlineAnnouncements(conn *realtimetest.Conn) int {
	n := 0
	for _, d := range conn.Commands(cable.ActionUpdatePresence) {
		if d["status"] == cable.PresenceOnline {
			n++
		}
	}
	return n
}

func TestManager_HeartbeatAndKeepaliveAreSeparateTimers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Heartbeat only: presence frames flow, no pings.
	hbSrv := realtimetest.NewServer()
	hb := newManager(t, hbSrv, nil, func(cfg *realtime.Config) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
	})
	require.NoError(t, hb.Connect(ctx))
	hbConn := hbSrv.Last()

	// One announcement on connect, then one per heartbeat.
	require.Eventually(t, func() bool { return onlineAnnouncements(hbConn) >= 3 }, waitFor, tick)
	assert.Zero(t, hbConn.Pings())

	// Keepalive only: pings flow, no extra presence frames.
	pingSrv := realtimetest.NewServer()
	pinger := newManager(t, pingSrv, nil, func(cfg *realtime.Config) {
		cfg.PingInterval = 10 * time.Millisecond
	})
	require.NoError(t, pinger.Connect(ctx))
	pingConn := pingSrv.Last()

	require.Eventually(t, func() bool { return pingConn.Pings() >= 3 }, waitFor, tick)
	assert.Equal(t, 1, onlineAnnouncements(pingConn))
	assert.False(t, pingConn.Closed())
	assert.Equal(t, 1, pingSrv.DialAttempts())
}

func TestManager_FailedPingsCloseAndReconnect(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, func(cfg *realtime.Config) {
		cfg.PingInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinConversation(ctx, "42"))
	first := srv.Last()

	srv.SetFailPings(true)
	require.Eventually(t, first.Closed, waitFor, tick)
	assert.Equal(t, "keepalive failed", first.CloseReason())
	assert.GreaterOrEqual(t, first.Pings(), 3)

	srv.SetFailPings(false)
	require.Eventually(t, func() bool {
		return srv.DialAttempts() >= 2 && m.State() == realtime.StateConnected
	}, waitFor, tick)

	// The channel set is replayed on the new connection.
	require.Eventually(t, func() bool {
		last := srv.Last()
		return last != first && len(last.Commands(cable.ActionJoinConversation)) == 1
	}, waitFor, tick)
}

func TestManager_DrainPausesOnDropAndResumes(t *testing.T) {
	t.Parallel()

	store := realtime.NewMemoryQueueStore()
	srv := realtimetest.NewServer()
	m := newManager(t, srv, store, func(cfg *realtime.Config) {
		cfg.AutoReconnect = false
		cfg.DrainPacing = 20 * time.Millisecond
	})
	ctx := context.Background()

	for _, content := range []string{"m0", "m1", "m2", "m3"} {
		sent, err := m.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{"content": content})
		require.NoError(t, err)
		require.False(t, sent)
	}

	srv.DropAfter(cable.ActionSendMessage, 1)
	require.NoError(t, m.Connect(ctx))
	first := srv.Last()
	require.Eventually(t, func() bool { return m.State() == realtime.StateDisconnected }, waitFor, tick)

	cmds := first.Commands(cable.ActionSendMessage)
	require.Len(t, cmds, 1)
	assert.Equal(t, "m0", cmds[0]["content"])

	contents := func(ops []realtime.PendingOperation) []any {
		out := make([]any, 0, len(ops))
		for _, op := range ops {
			out = append(out, op.Payload["content"])
		}
		return out
	}
	assert.Equal(t, []any{"m1", "m2", "m3"}, contents(m.PendingOperations()))
	persisted, err := realtime.LoadQueue(ctx, store, "")
	require.NoError(t, err)
	assert.Equal(t, []any{"m1", "m2", "m3"}, contents(persisted))

	require.NoError(t, m.Connect(ctx))
	require.Eventually(t, func() bool { return len(m.PendingOperations()) == 0 }, waitFor, tick)

	var all []any
	for _, c := range srv.Commands(cable.ActionSendMessage) {
		all = append(all, c["content"])
	}
	assert.Equal(t, []any{"m0", "m1", "m2", "m3"}, all)
}

func TestManager_DrainAttemptsEachOperationOncePerConnection(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	m := newManager(t, srv, nil, nil)
	ctx := context.Background()

	// A blank action can be queued but never encoded.
	_, err := m.PerformReliable(ctx, "   ", map[string]any{"content": "bad"})
	require.NoError(t, err)
	_, err = m.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{"content": "m1"})
	require.NoError(t, err)

	require.NoError(t, m.Connect(ctx))
	require.Eventually(t, func() bool { return len(srv.Commands(cable.ActionSendMessage)) == 1 }, waitFor, tick)

	// Queued behind the bad entry, so it goes through another drain pass.
	sent, err := m.PerformReliable(ctx, cable.ActionSendMessage, map[string]any{"content": "m2"})
	require.NoError(t, err)
	assert.False(t, sent)
	require.Eventually(t, func() bool { return len(m.PendingOperations()) == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)

	pending := m.PendingOperations()
	require.Len(t, pending, 1)
	assert.Equal(t, "bad", pending[0].Payload["content"])
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Len(t, srv.Commands(cable.ActionSendMessage), 2)

	// A new connection is a new drain cycle.
	require.NoError(t, m.Disconnect(ctx))
	require.NoError(t, m.Connect(ctx))
	require.Eventually(t, func() bool {
		ops := m.PendingOperations()
		return len(ops) == 1 && ops[0].RetryCount == 2
	}, waitFor, tick)
}
