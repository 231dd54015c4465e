package realtime

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *dispatcher {
	t.Helper()
	d := newDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	d.start()
	t.Cleanup(d.close)
	return d
}

func TestDispatcher_RoutesByKindAndWildcard(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)

	var mu sync.Mutex
	var created, all []EventKind
	d.subscribe(KindMessageCreated, HandlerFunc(func(e Event) {
		mu.Lock()
		created = append(created, e.Kind())
		mu.Unlock()
	}))
	d.subscribe(KindAll, HandlerFunc(func(e Event) {
		mu.Lock()
		all = append(all, e.Kind())
		mu.Unlock()
	}))

	d.publish(MessageCreated{})
	d.publish(PresenceChanged{})
	d.publish(MessageCreated{})
	d.close()

	assert.Equal(t, []EventKind{KindMessageCreated, KindMessageCreated}, created)
	assert.Equal(t, []EventKind{KindMessageCreated, KindPresenceChanged, KindMessageCreated}, all)
}

func TestDispatcher_PanicIsolated(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)

	var got int
	d.subscribe(KindAll, HandlerFunc(func(Event) { panic("boom") }))
	d.subscribe(KindAll, HandlerFunc(func(Event) { got++ }))

	d.publish(PresenceChanged{})
	d.publish(PresenceChanged{})
	d.close()

	assert.Equal(t, 2, got)
}

func TestDispatcher_UnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)

	var a, b int
	h := HandlerFunc(func(Event) { a++ })
	unsubA := d.subscribe(KindAll, h)
	d.subscribe(KindAll, h)
	d.subscribe(KindAll, HandlerFunc(func(Event) { b++ }))

	unsubA()
	unsubA()

	d.publish(PresenceChanged{})
	d.close()

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestDispatcher_PublishDoesNotBlockOnSlowHandler(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)

	release := make(chan struct{})
	var n int
	d.subscribe(KindAll, HandlerFunc(func(Event) {
		<-release
		n++
	}))

	for i := 0; i < 1000; i++ {
		d.publish(PresenceChanged{})
	}
	close(release)
	d.close()

	require.Equal(t, 1000, n)
}
