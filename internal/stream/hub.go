// Package stream fans appended session entries out to live followers.
package stream

import (
	"log/slog"
	"sync"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

const subscriberBuffer = 64

// Hub tracks followers per agent and delivers each appended entry to all of
// them. Publishing never blocks the queue worker: a follower that cannot
// keep up is dropped.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// Subscriber receives the entries appended to one agent's session.
type Subscriber struct {
	agentID string
	ch      chan domain.SessionEntry
	once    sync.Once
}

// Entries returns the channel of appended entries. It is closed when the
// subscriber is dropped or unsubscribed.
func (s *Subscriber) Entries() <-chan domain.SessionEntry {
	return s.ch
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a follower for an agent's session entries.
func (h *Hub) Subscribe(agentID string) *Subscriber {
	sub := &Subscriber{agentID: agentID, ch: make(chan domain.SessionEntry, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[agentID]; !ok {
		h.subs[agentID] = make(map[*Subscriber]struct{})
	}
	h.subs[agentID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a follower and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if followers, ok := h.subs[sub.agentID]; ok {
		delete(followers, sub)
		if len(followers) == 0 {
			delete(h.subs, sub.agentID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish delivers an entry to every follower of the agent.
func (h *Hub) Publish(agentID string, entry domain.SessionEntry) {
	h.mu.RLock()
	var dropped []*Subscriber
	for sub := range h.subs[agentID] {
		select {
		case sub.ch <- entry:
		default:
			dropped = append(dropped, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range dropped {
		slog.Warn("Dropping slow session follower", "agent_id", agentID)
		h.Unsubscribe(sub)
	}
}
