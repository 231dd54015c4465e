package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is returned when no subscription ack arrives in time.
	ErrConnectTimeout = errors.New("realtime: connect timeout")

	// ErrTransportClosed reports an unexpected transport close or write failure.
	ErrTransportClosed = errors.New("realtime: transport closed")

	// ErrNotConnected is returned by Perform when the connection is not usable.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrSubscriptionRejected is returned when the server refuses the top-level channel.
	ErrSubscriptionRejected = errors.New("realtime: subscription rejected")

	// ErrPerformRejected is the Kind of server-side action errors.
	ErrPerformRejected = errors.New("realtime: perform rejected")

	// ErrMaxRetriesExceeded is the Kind of abandoned retry-queue entries.
	ErrMaxRetriesExceeded = errors.New("realtime: max retries exceeded")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("realtime: manager closed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("realtime: invalid config")
)

// PerformRejectedError carries the server's action-level error.
type PerformRejectedError struct {
	Action          string
	Code            string
	Message         string
	ConversationID  string
	ClientMessageID string
}

func (e *PerformRejectedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%v: %s: %s", ErrPerformRejected, e.Action, e.Message)
	}
	return fmt.Sprintf("%v: %s: %s: %s", ErrPerformRejected, e.Action, e.Code, e.Message)
}

func (e *PerformRejectedError) Unwrap() error { return ErrPerformRejected }

// MaxRetriesError reports a retry-queue entry that was dropped.
type MaxRetriesError struct {
	Op      PendingOperation
	LastErr error
}

func (e *MaxRetriesError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("%v: %s (%s) after %d attempts", ErrMaxRetriesExceeded, e.Op.Action, e.Op.ID, e.Op.RetryCount)
	}
	return fmt.Sprintf("%v: %s (%s) after %d attempts: %v", ErrMaxRetriesExceeded, e.Op.Action, e.Op.ID, e.Op.RetryCount, e.LastErr)
}

func (e *MaxRetriesError) Unwrap() error { return ErrMaxRetriesExceeded }

// IsRecoverable reports whether err is a connection-level failure handled by
// the reconnection state machine.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrSubscriptionRejected)
}
