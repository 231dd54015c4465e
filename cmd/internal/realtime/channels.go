package realtime

import (
	"sort"
	"sync"
	"time"
)

// ChannelSubscription is a joined conversation.
type ChannelSubscription struct {
	ConversationID string    `json:"conversation_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

// channelSet is the set of joined conversations. It survives reconnects and
// is cleared only by an intentional disconnect.
type channelSet struct {
	mu   sync.Mutex
	subs map[string]ChannelSubscription
}

func newChannelSet() *channelSet {
	return &channelSet{subs: make(map[string]ChannelSubscription)}
}

func (c *channelSet) add(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; ok {
		return false
	}
	c.subs[id] = ChannelSubscription{ConversationID: id, JoinedAt: now}
	return true
}

func (c *channelSet) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

func (c *channelSet) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	return ok
}

func (c *channelSet) clear() {
	c.mu.Lock()
	c.subs = make(map[string]ChannelSubscription)
	c.mu.Unlock()
}

// list returns subscriptions ordered by join time, then id.
func (c *channelSet) list() []ChannelSubscription {
	c.mu.Lock()
	out := make([]ChannelSubscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
