package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
)

// EventType identifies a registry change.
type EventType string

const (
	EventNodeAdded        EventType = "NODE_ADDED"
	EventNodeRemoved      EventType = "NODE_REMOVED"
	EventNodeStateChanged EventType = "NODE_STATE_CHANGED"
)

// Event describes one change to a node.
type Event struct {
	Type         EventType   `json:"type"`
	Node         domain.Node `json:"node"`
	AllocationID string      `json:"allocation_id,omitempty"`
	Time         time.Time   `json:"time"`
}

// Subscribe returns a channel receiving every subsequent registry event and a
// function that cancels the subscription and closes the channel.
// Events are dropped for subscribers whose buffer is full.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Event, buffer)
	r.subscribers[id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publishLocked fans an event out without blocking the registry lock.
func (r *Registry) publishLocked(t EventType, n *domain.Node) {
	if len(r.subscribers) == 0 {
		return
	}

	ev := Event{
		Type:         t,
		Node:         *n.Clone(),
		AllocationID: n.AllocationID,
		Time:         r.now(),
	}
	for id, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			r.logger.Debug("Dropping event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("type", string(t)),
				zap.String("node_id", n.ID),
			)
		}
	}
}
