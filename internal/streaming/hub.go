// Package streaming fans run events out to in-process subscribers such as
// the MCP notifier and the CLI progress view.
package streaming

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/riskflow/pkg/schema"
)

const defaultChannelBuffer = 256

// Filter selects the events a subscriber receives. Zero fields match
// everything.
type Filter struct {
	RunID string
	Types []string
}

func (f Filter) match(ev *schema.Event) bool {
	if f.RunID != "" && f.RunID != ev.RunID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, ev.Type)
}

type subscriber struct {
	ch     chan *schema.Event
	filter Filter
	once   sync.Once
}

// Hub is an in-memory pub/sub of run events.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Publish delivers ev to every matching subscriber. It never blocks: a
// subscriber whose buffer is full misses the event.
func (h *Hub) Publish(ev *schema.Event) {
	if ev == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func removes it and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(filter Filter) (<-chan *schema.Event, func()) {
	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan *schema.Event, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
