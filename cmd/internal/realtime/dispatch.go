package realtime

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"courier/cmd/internal/metrics"
)

// Handler receives dispatched events. Handlers run on the dispatch goroutine,
// one event at a time and in arrival order.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// Handle implements Handler.
func (f HandlerFunc) Handle(e Event) { f(e) }

type subscription struct {
	id   uint64
	kind EventKind
	h    Handler
}

// dispatcher fans events out to subscribers on its own goroutine.
//
// The inbound queue is unbounded so the read loop never blocks on a slow
// handler. A panicking handler is recovered and does not affect the others.
type dispatcher struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	subMu  sync.RWMutex
	nextID uint64
	subs   []subscription

	mu      sync.Mutex
	queue   []Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	started bool
}

func newDispatcher(log *slog.Logger, m *metrics.Metrics) *dispatcher {
	return &dispatcher{
		log:     log,
		metrics: m,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// subscribe registers h for kind and returns an idempotent unsubscribe.
func (d *dispatcher) subscribe(kind EventKind, h Handler) func() {
	if h == nil {
		return func() {}
	}
	d.subMu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, kind: kind, h: h})
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					// Copy-on-write so an in-flight fan-out keeps its snapshot.
					next := make([]subscription, 0, len(d.subs)-1)
					next = append(next, d.subs[:i]...)
					next = append(next, d.subs[i+1:]...)
					d.subs = next
					return
				}
			}
		})
	}
}

func (d *dispatcher) start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.run()
}

// publish enqueues e. It never blocks.
func (d *dispatcher) publish(e Event) {
	if e == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events, delivers what is queued and waits for the
// dispatch goroutine to exit.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.done
		}
		return
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	if !started {
		close(d.done)
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, e := range batch {
			d.deliver(e)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) deliver(e Event) {
	d.subMu.RLock()
	subs := d.subs
	d.subMu.RUnlock()

	kind := e.Kind()
	for _, s := range subs {
		if s.kind != KindAll && s.kind != kind {
			continue
		}
		d.invoke(s.h, e)
	}
}

func (d *dispatcher) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncHandlerPanic()
			d.log.Error("realtime.handler.panic",
				"kind", e.Kind().String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	h.Handle(e)
}
