// Package chatcache is the conversation cache: per-conversation message
// lists and metadata, optimistic message lifecycle, pagination cursors and
// bounded memory. It is the single writer of UI-visible chat state.
//
// Every mutation notifies the conversation's subscribers after the cache lock
// is released. Per conversation, subscribers see snapshots in mutation order.
package chatcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/metrics"
)

// Defaults applied for zero Config values.
const (
	DefaultMaxConversations           = 50
	DefaultMaxMessagesPerConversation = 200
	DefaultTTL                        = 30 * time.Minute
	DefaultSweepInterval              = 5 * time.Minute
)

var (
	// ErrNotOptimistic is returned when AddOptimistic gets a server id.
	ErrNotOptimistic = errors.New("chatcache: message id is not a temporary id")
	// ErrDuplicateTempID is returned when a temporary id is already cached.
	ErrDuplicateTempID = errors.New("chatcache: duplicate temporary id")
	// ErrMissingConversation is returned for an empty conversation id.
	ErrMissingConversation = errors.New("chatcache: missing conversation id")
)

// EvictReason says why an entry left the cache.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictStale    EvictReason = "stale"
	EvictManual   EvictReason = "manual"
)

// Config controls cache bounds.
type Config struct {
	MaxConversations           int
	MaxMessagesPerConversation int
	// TTL is the staleness threshold measured from LastUpdatedAt.
	TTL           time.Duration
	SweepInterval time.Duration
	// ContentMatchFallback reconciles confirmed messages that carry no
	// correlation id against optimistic ones by sender and content.
	ContentMatchFallback bool
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxConversations <= 0 {
		c.MaxConversations = DefaultMaxConversations
	}
	if c.MaxMessagesPerConversation <= 0 {
		c.MaxMessagesPerConversation = DefaultMaxMessagesPerConversation
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// outbox holds snapshots of one conversation awaiting fan-out, in mutation
// order. At most one goroutine drains it at a time.
type outbox struct {
	queue    []Entry
	draining bool
}

type eviction struct {
	id     string
	reason EvictReason
}

// Cache holds conversations. All methods are safe for concurrent use.
type Cache struct {
	log     *slog.Logger
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries *lru.Cache
	pending []eviction
	outbox  map[string]*outbox

	subMu   sync.Mutex
	nextSub uint64
	subs    map[string]map[uint64]func(Entry)
	hooks   map[uint64]func(string, EvictReason)
}

// New constructs a Cache.
func New(log *slog.Logger, cfg Config, m *metrics.Metrics) (*Cache, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	entries, err := lru.New(cfg.MaxConversations)
	if err != nil {
		return nil, err
	}
	return &Cache{
		log:     log,
		cfg:     cfg,
		metrics: m,
		entries: entries,
		outbox:  make(map[string]*outbox),
		subs:    make(map[string]map[uint64]func(Entry)),
		hooks:   make(map[uint64]func(string, EvictReason)),
	}, nil
}

// Get returns a copy of the entry for id unless it is absent or stale.
// Stale entries are removed. Reads do not refresh recency.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	e, ok := c.liveLocked(id, c.cfg.Now())
	var out Entry
	if ok {
		out = e.clone()
	}
	evs := c.takeEvictionsLocked()
	c.mu.Unlock()

	c.fireEvictions(evs)
	return out, ok
}

// Set replaces the entry for id. Messages are ordered by creation time,
// duplicates by id are dropped and the per-conversation cap keeps the
// newest messages.
func (c *Cache) Set(id string, meta chat.ConversationMeta, messages []chat.Message, hasMoreOlder bool, oldestID string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrMissingConversation
	}

	msgs := make([]chat.Message, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		m = m.Clone()
		m.ConversationID = id
		if !m.IsOptimistic() && !m.State.Confirmed() {
			m.State = chat.StateSent
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	c.update(id, true, func(e *Entry) bool {
		*e = Entry{
			ConversationID: id,
			Meta:           meta.Clone(),
			Messages:       msgs,
			HasMoreOlder:   hasMoreOlder,
			OldestLoadedID: oldestID,
		}
		if e.OldestLoadedID == "" {
			e.OldestLoadedID = oldestConfirmedID(e.Messages)
		}
		e.trimOldest(c.cfg.MaxMessagesPerConversation)
		return true
	})
	return nil
}

// UpdateMeta replaces the metadata of id, creating the entry if needed.
func (c *Cache) UpdateMeta(id string, meta chat.ConversationMeta) {
	if strings.TrimSpace(id) == "" {
		return
	}
	c.update(id, true, func(e *Entry) bool {
		e.Meta = meta.Clone()
		return true
	})
}

// Subscribe registers fn for every change to id and returns a function
// removing only this registration. Notifications for one conversation are
// delivered in mutation order, one at a time; a mutation made while another
// goroutine (or fn itself) is delivering for the same conversation is handed
// to that delivery.
func (c *Cache) Subscribe(id string, fn func(Entry)) func() {
	if fn == nil {
		return func() {}
	}
	c.subMu.Lock()
	c.nextSub++
	key := c.nextSub
	if c.subs[id] == nil {
		c.subs[id] = make(map[uint64]func(Entry))
	}
	c.subs[id][key] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			delete(c.subs[id], key)
			if len(c.subs[id]) == 0 {
				delete(c.subs, id)
			}
		})
	}
}

// OnEvict registers fn for every removal (capacity, staleness or Clear).
func (c *Cache) OnEvict(fn func(id string, reason EvictReason)) func() {
	if fn == nil {
		return func() {}
	}
	c.subMu.Lock()
	c.nextSub++
	key := c.nextSub
	c.hooks[key] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.hooks, key)
		c.subMu.Unlock()
	}
}

// Clear removes id (forced invalidation). It reports whether id was cached.
func (c *Cache) Clear(id string) bool {
	c.mu.Lock()
	ok := c.entries.Remove(id)
	if ok {
		c.pending = append(c.pending, eviction{id: id, reason: EvictManual})
	}
	evs := c.takeEvictionsLocked()
	c.mu.Unlock()

	c.fireEvictions(evs)
	return ok
}

// Sweep removes every entry that is stale at now and returns how many.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	for _, k := range c.entries.Keys() {
		id := k.(string)
		c.liveLocked(id, now)
	}
	evs := c.takeEvictionsLocked()
	c.mu.Unlock()

	c.fireEvictions(evs)
	return len(evs)
}

// Run sweeps every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := c.Sweep(c.cfg.Now()); n > 0 {
				c.log.Info("cache.sweep", "evicted", n, "remaining", c.Len())
			}
		}
	}
}

// Len returns the number of cached conversations, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// IDs returns cached conversation ids, most recently updated first.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	keys := c.entries.Keys()
	c.mu.Unlock()

	out := make([]string, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		out = append(out, keys[i].(string))
	}
	return out
}

// update applies fn to the live entry for id. fn reports whether it changed
// anything; changed entries are re-added (refreshing recency) and
// subscribers are notified once the lock is released.
func (c *Cache) update(id string, create bool, fn func(e *Entry) bool) bool {
	now := c.cfg.Now()

	c.mu.Lock()
	e, ok := c.liveLocked(id, now)
	if !ok && create {
		e = &Entry{ConversationID: id}
	}
	if e == nil || !fn(e) {
		evs := c.takeEvictionsLocked()
		c.mu.Unlock()
		c.fireEvictions(evs)
		return false
	}

	e.LastUpdatedAt = now
	if !c.entries.Contains(id) && c.entries.Len() >= c.cfg.MaxConversations {
		if k, _, ok := c.entries.RemoveOldest(); ok {
			c.pending = append(c.pending, eviction{id: k.(string), reason: EvictCapacity})
		}
	}
	c.entries.Add(id, e)
	c.enqueueLocked(id, e.clone())
	evs := c.takeEvictionsLocked()
	c.mu.Unlock()

	c.fireEvictions(evs)
	c.flush(id)
	return true
}

func (c *Cache) enqueueLocked(id string, snap Entry) {
	ob := c.outbox[id]
	if ob == nil {
		ob = &outbox{}
		c.outbox[id] = ob
	}
	ob.queue = append(ob.queue, snap)
}

// flush delivers queued snapshots for id unless another call already is.
func (c *Cache) flush(id string) {
	c.mu.Lock()
	ob := c.outbox[id]
	if ob == nil || ob.draining {
		c.mu.Unlock()
		return
	}
	ob.draining = true
	for len(ob.queue) > 0 {
		snap := ob.queue[0]
		ob.queue[0] = Entry{}
		ob.queue = ob.queue[1:]
		c.mu.Unlock()
		c.notify(id, snap)
		c.mu.Lock()
	}
	delete(c.outbox, id)
	c.mu.Unlock()
}

// liveLocked returns the entry for id, removing it when stale at now.
func (c *Cache) liveLocked(id string, now time.Time) (*Entry, bool) {
	v, ok := c.entries.Peek(id)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	if now.Sub(e.LastUpdatedAt) > c.cfg.TTL {
		c.entries.Remove(id)
		c.pending = append(c.pending, eviction{id: id, reason: EvictStale})
		return nil, false
	}
	return e, true
}

func (c *Cache) takeEvictionsLocked() []eviction {
	evs := c.pending
	c.pending = nil
	c.metrics.SetCachedConversations(c.entries.Len())
	return evs
}

func (c *Cache) fireEvictions(evs []eviction) {
	if len(evs) == 0 {
		return
	}
	c.subMu.Lock()
	hooks := make([]func(string, EvictReason), 0, len(c.hooks))
	for _, h := range c.hooks {
		hooks = append(hooks, h)
	}
	c.subMu.Unlock()

	for _, ev := range evs {
		c.metrics.IncCacheEviction(string(ev.reason))
		c.log.Debug("cache.evict", "conversation_id", ev.id, "reason", string(ev.reason))
		for _, h := range hooks {
			h(ev.id, ev.reason)
		}
	}
}

func (c *Cache) notify(id string, snap Entry) {
	c.subMu.Lock()
	fns := make([]func(Entry), 0, len(c.subs[id]))
	for _, fn := range c.subs[id] {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		c.call(id, fn, snap.clone())
	}
}

func (c *Cache) call(id string, fn func(Entry), e Entry) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cache.subscriber.panic", "conversation_id", id, "panic", r)
		}
	}()
	fn(e)
}
