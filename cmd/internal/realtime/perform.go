package realtime

import (
	"context"
	"errors"
	"time"
)

// Perform sends action with data on the top-level subscription. It returns
// ErrNotConnected without blocking unless the connection is Connected.
// A nil error means the command frame was written, not that the server
// accepted it: rejections arrive later as ActionRejected events.
func (m *Manager) Perform(ctx context.Context, action string, data map[string]any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	sess := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if sess == nil || !connected {
		return ErrNotConnected
	}
	return m.writeCommand(ctx, sess, action, data)
}

// PerformReliable attempts Perform once and persists the operation to the
// retry queue when it could not be sent. sent reports whether the command was
// written now. While the queue holds earlier operations new ones are appended
// instead, keeping delivery in enqueue order.
func (m *Manager) PerformReliable(ctx context.Context, action string, data map[string]any) (sent bool, err error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return false, err
	}

	if m.queue.Len() == 0 {
		err := m.Perform(ctx, action, data)
		if err == nil {
			return true, nil
		}
		if !IsRecoverable(err) {
			return false, err
		}
	}

	op, err := m.queue.Enqueue(ctx, action, data)
	if err != nil {
		return false, err
	}
	depth := m.queue.Len()
	m.metrics.SetRetryQueueDepth(depth)
	m.log.Info("realtime.queue.enqueue", "operation_id", op.ID, "action", op.Action, "depth", depth)

	if m.State() == StateConnected {
		m.kickDrain()
	}
	return false, nil
}

// ClearQueue discards every pending operation.
func (m *Manager) ClearQueue(ctx context.Context) error {
	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	if err := m.queue.Clear(ctx); err != nil {
		return err
	}
	m.metrics.SetRetryQueueDepth(0)
	return nil
}

// kickDrain starts a drain unless one is running. A kick that lands while a
// drain is finishing is picked up by drainLoop's re-check.
func (m *Manager) kickDrain() {
	m.drainPending.Store(true)
	if !m.draining.CompareAndSwap(false, true) {
		return
	}
	go m.drainLoop()
}

func (m *Manager) drainLoop() {
	for {
		m.drainPending.Store(false)
		m.drain()
		m.draining.Store(false)
		if !m.drainPending.Load() || !m.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

// drain attempts every queued operation in order, at most once per session.
// It stops as soon as the connection it started on is gone.
func (m *Manager) drain() {
	m.mu.Lock()
	sess := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if sess == nil || !connected {
		return
	}

	ops := m.queue.Snapshot()
	if len(ops) == 0 {
		return
	}
	m.log.Info("realtime.queue.drain", "pending", len(ops))

	// Persistence must not be cut short by the connection dropping.
	store := context.WithoutCancel(sess.ctx)

	attempted := 0
	for i, op := range ops {
		if sess.failedBefore(op.ID) {
			continue
		}
		if attempted > 0 && m.cfg.DrainPacing > 0 {
			t := time.NewTimer(m.cfg.DrainPacing)
			select {
			case <-sess.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if !m.current(sess) {
			m.log.Info("realtime.queue.drain_paused", "remaining", len(ops)-i)
			return
		}

		attempted++
		err := m.writeCommand(sess.ctx, sess, op.Action, op.Payload)
		if err == nil {
			if rerr := m.queue.Remove(store, op.ID); rerr != nil {
				m.log.Error("realtime.queue.persist_fail", "operation_id", op.ID, "err", rerr)
			}
			m.metrics.SetRetryQueueDepth(m.queue.Len())
			continue
		}

		sess.markFailed(op.ID)
		failed, dropped, ferr := m.queue.RecordFailure(store, op.ID, m.cfg.MaxRetries)
		if ferr != nil {
			m.log.Error("realtime.queue.persist_fail", "operation_id", op.ID, "err", ferr)
		}
		m.metrics.SetRetryQueueDepth(m.queue.Len())
		if dropped {
			m.metrics.IncOperationDropped(failed.Action)
			m.log.Warn("realtime.queue.drop", "operation_id", failed.ID, "action", failed.Action, "retry_count", failed.RetryCount, "err", err)
			m.disp.publish(OperationFailed{Op: failed, Err: &MaxRetriesError{Op: failed, LastErr: err}})
		} else {
			m.log.Info("realtime.queue.retry_later", "operation_id", op.ID, "action", op.Action, "retry_count", failed.RetryCount, "err", err)
		}

		if IsRecoverable(err) || errors.Is(err, context.Canceled) {
			return
		}
	}
}
