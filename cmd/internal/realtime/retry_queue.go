package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"courier/cmd/internal/ids"
)

// DefaultQueueKey is the storage key holding the serialized retry queue.
const DefaultQueueKey = "courier.retry_queue"

// PendingOperation is an action awaiting delivery.
type PendingOperation struct {
	ID         string         `json:"operation_id"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
}

func (op PendingOperation) clone() PendingOperation {
	out := op
	if op.Payload != nil {
		out.Payload = make(map[string]any, len(op.Payload))
		for k, v := range op.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// QueueStore persists the serialized retry queue under a single key.
//
// Load returns (nil, nil) when nothing has been saved yet.
type QueueStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Close() error
}

// RetryQueue is the ordered, durable list of pending operations.
//
// Every mutation rewrites the full queue to the store before returning.
type RetryQueue struct {
	mu    sync.Mutex
	store QueueStore
	key   string
	ops   []PendingOperation
	now   func() time.Time
}

// NewRetryQueue constructs a queue over store. Call Load to restore
// previously persisted entries.
func NewRetryQueue(store QueueStore, key string) *RetryQueue {
	if store == nil {
		store = NewMemoryQueueStore()
	}
	if key == "" {
		key = DefaultQueueKey
	}
	return &RetryQueue{
		store: store,
		key:   key,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory queue with the persisted one.
func (q *RetryQueue) Load(ctx context.Context) error {
	data, err := q.store.Load(ctx, q.key)
	if err != nil {
		return fmt.Errorf("load retry queue: %w", err)
	}
	ops, err := decodeQueue(data)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.ops = ops
	q.mu.Unlock()
	return nil
}

// Enqueue appends a new operation with RetryCount 0 and persists the queue.
func (q *RetryQueue) Enqueue(ctx context.Context, action string, payload map[string]any) (PendingOperation, error) {
	if action == "" {
		return PendingOperation{}, errors.New("realtime: enqueue: missing action")
	}
	now := q.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("realtime: operation id: %w", err)
	}
	op := PendingOperation{
		ID:         id,
		Action:     action,
		Payload:    payload,
		EnqueuedAt: now,
	}
	op = op.clone()

	q.mu.Lock()
	defer q.mu.Unlock()
	next := append(append([]PendingOperation(nil), q.ops...), op)
	if err := q.persistLocked(ctx, next); err != nil {
		return PendingOperation{}, err
	}
	q.ops = next
	return op.clone(), nil
}

// Peek returns the head of the queue.
func (q *RetryQueue) Peek() (PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return PendingOperation{}, false
	}
	return q.ops[0].clone(), true
}

// Remove deletes the operation with id. Unknown ids are a no-op.
func (q *RetryQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return nil
	}
	next := make([]PendingOperation, 0, len(q.ops)-1)
	next = append(next, q.ops[:idx]...)
	next = append(next, q.ops[idx+1:]...)
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	q.ops = next
	return nil
}

// RecordFailure increments the retry count of id. When the count reaches
// maxRetries the operation is dropped and returned with dropped == true.
func (q *RetryQueue) RecordFailure(ctx context.Context, id string, maxRetries int) (op PendingOperation, dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return PendingOperation{}, false, nil
	}

	next := append([]PendingOperation(nil), q.ops...)
	op = next[idx]
	op.RetryCount++
	if maxRetries > 0 && op.RetryCount >= maxRetries {
		next = append(next[:idx], next[idx+1:]...)
		dropped = true
	} else {
		next[idx] = op
	}
	if err := q.persistLocked(ctx, next); err != nil {
		return PendingOperation{}, false, err
	}
	q.ops = next
	return op.clone(), dropped, nil
}

// Clear removes every operation.
func (q *RetryQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.persistLocked(ctx, nil); err != nil {
		return err
	}
	q.ops = nil
	return nil
}

// Snapshot returns a copy of the queue in enqueue order.
func (q *RetryQueue) Snapshot() []PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOperation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, op.clone())
	}
	return out
}

// Len returns the number of queued operations.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *RetryQueue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *RetryQueue) persistLocked(ctx context.Context, ops []PendingOperation) error {
	if ops == nil {
		ops = []PendingOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode retry queue: %w", err)
	}
	if err := q.store.Save(ctx, q.key, data); err != nil {
		return fmt.Errorf("save retry queue: %w", err)
	}
	return nil
}

func decodeQueue(data []byte) ([]PendingOperation, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ops []PendingOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode retry queue: %w", err)
	}
	out := ops[:0]
	for _, op := range ops {
		if op.ID == "" || op.Action == "" {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// LoadQueue reads the persisted queue without constructing a RetryQueue.
func LoadQueue(ctx context.Context, store QueueStore, key string) ([]PendingOperation, error) {
	if key == "" {
		key = DefaultQueueKey
	}
	data, err := store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load retry queue: %w", err)
	}
	return decodeQueue(data)
}
