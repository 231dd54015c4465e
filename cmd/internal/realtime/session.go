package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cable "courier/contracts/cable/v1"
)

// session is one live transport plus its top-level subscription.
type session struct {
	t          Transport
	identifier string

	ctx    context.Context
	cancel context.CancelFunc

	// timers is cancelled before the transport so Disconnect can still
	// write the offline presence update.
	timers       context.Context
	cancelTimers context.CancelFunc

	ready       chan error
	readyOnce   sync.Once
	confirmed   atomic.Bool
	closeOnce   sync.Once
	noReconnect atomic.Bool

	// failed holds queued operations whose failure was recorded on this
	// session; later drain passes on the same session skip them.
	failedMu sync.Mutex
	failed   map[string]struct{}
}

func newSession(t Transport, identifier string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	timers, cancelTimers := context.WithCancel(ctx)
	return &session{
		t:            t,
		identifier:   identifier,
		ctx:          ctx,
		cancel:       cancel,
		timers:       timers,
		cancelTimers: cancelTimers,
		ready:        make(chan error, 1),
	}
}

// resolve reports the outcome of the subscription handshake once.
func (s *session) resolve(err error) {
	s.readyOnce.Do(func() {
		if err == nil {
			s.confirmed.Store(true)
		}
		s.ready <- err
	})
}

func (s *session) stopTimers() { s.cancelTimers() }

func (s *session) markFailed(opID string) {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	if s.failed == nil {
		s.failed = make(map[string]struct{})
	}
	s.failed[opID] = struct{}{}
}

func (s *session) failedBefore(opID string) bool {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	_, ok := s.failed[opID]
	return ok
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.cancelTimers()
		_ = s.t.Close(reason)
		s.cancel()
	})
}

func (m *Manager) readLoop(sess *session) {
	for {
		data, err := sess.t.Read(sess.ctx)
		if err != nil {
			cause := fmt.Errorf("%w: %v", ErrTransportClosed, err)
			if isPeerClose(err) || sess.ctx.Err() != nil {
				m.log.Debug("realtime.read.closed", "err", err)
			} else {
				m.log.Info("realtime.read.fail", "err", err)
			}
			sess.resolve(cause)
			m.handleClosed(sess, cause)
			return
		}
		m.handleFrame(sess, data)
	}
}

func (m *Manager) handleFrame(sess *session, data []byte) {
	in, err := cable.DecodeInbound(data)
	if err != nil {
		m.metrics.IncFrameReceived("invalid")
		m.log.Debug("realtime.frame.invalid", "err", err)
		return
	}

	if in.IsProtocol() {
		m.metrics.IncFrameReceived(in.Type)
		switch in.Type {
		case cable.TypeConfirmSubscription:
			sess.resolve(nil)
		case cable.TypeRejectSubscription:
			m.log.Warn("realtime.subscription.rejected", "channel", m.cfg.Channel)
			sess.resolve(ErrSubscriptionRejected)
			if sess.confirmed.Load() {
				sess.close("subscription rejected")
			}
		case cable.TypeDisconnect:
			m.log.Info("realtime.server.disconnect", "reason", in.Reason, "reconnect", in.Reconnect == nil || *in.Reconnect)
			if in.Reconnect != nil && !*in.Reconnect {
				sess.noReconnect.Store(true)
			}
			_ = sess.t.Close("server disconnect")
		}
		return
	}

	if in.Identifier != "" {
		if ident, err := cable.ParseIdentifier(in.Identifier); err == nil && ident.Channel != m.cfg.Channel {
			m.log.Debug("realtime.frame.foreign_channel", "channel", ident.Channel)
			return
		}
	}

	ev, err := decodeEvent(in.Message)
	if err != nil {
		m.metrics.IncFrameReceived("invalid")
		m.log.Info("realtime.event.invalid", "err", err)
		return
	}
	m.metrics.IncFrameReceived(ev.Kind().String())
	m.disp.publish(ev)
}

// heartbeatLoop announces application-level presence.
func (m *Manager) heartbeatLoop(sess *session) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-sess.timers.Done():
			return
		case <-t.C:
			err := m.writeCommand(sess.timers, sess, cable.ActionUpdatePresence, map[string]any{"status": cable.PresenceOnline})
			if err != nil {
				m.log.Info("realtime.heartbeat.fail", "err", err)
			}
		}
	}
}

// pingLoop keeps the transport alive through intermediaries.
func (m *Manager) pingLoop(sess *session) {
	t := time.NewTicker(m.cfg.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-sess.timers.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(sess.timers, m.cfg.PingTimeout)
			err := sess.t.Ping(pctx)
			cancel()

			if err != nil {
				if sess.timers.Err() != nil {
					return
				}
				failures++
				m.log.Info("realtime.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					_ = sess.t.Close("keepalive failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// writeCommand sends one action on the session's subscription.
func (m *Manager) writeCommand(ctx context.Context, sess *session, action string, data map[string]any) error {
	f, err := cable.NewCommand(sess.identifier, action, data)
	if err != nil {
		return err
	}
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return m.writeFrame(ctx, sess, b, f.Command, action)
}

func (m *Manager) writeFrame(ctx context.Context, sess *session, b []byte, command, action string) error {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	if err := sess.t.Write(wctx, b); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		// A failed write leaves the connection unusable.
		_ = sess.t.Close("write failed")
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	m.metrics.IncFrameSent(command, action)
	return nil
}

func encodeFrame(f cable.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}
