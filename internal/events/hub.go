// ==============================================================================
// EVENT HUB - internal/events/hub.go
// ==============================================================================
package events

import (
	"context"
	"sync"
	"time"

	"sharedrive/pkg/logger"
)

const (
	TypeUploadCompleted  = "upload_completed"
	TypeUploadRolledBack = "upload_rolled_back"
	TypeQuotaRejected    = "quota_rejected"
	TypeNodeDeleted      = "node_deleted"
	TypeUsageChanged     = "usage_changed"
)

// Event is pushed to every live connection of Username.
type Event struct {
	Type      string                 `json:"type"`
	Username  string                 `json:"username"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher is what the services depend on. A nil Publisher is not allowed;
// use Discard.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Subscription receives events for one user until Close is called.
type Subscription struct {
	C        <-chan Event
	ch       chan Event
	username string
	hub      *Hub
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans events out to local subscribers. Slow subscribers lose events
// rather than block the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger logger.Logger
}

func NewHub(buffer int, log logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: log,
	}
}

func (h *Hub) Subscribe(username string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, username: username, hub: h}

	h.mu.Lock()
	if h.subs[username] == nil {
		h.subs[username] = make(map[*Subscription]struct{})
	}
	h.subs[username][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.username]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.subs, sub.username)
	}
}

// Publish delivers locally.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.deliver(ev)
}

func (h *Hub) deliver(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.Username] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("Dropping event for slow subscriber", map[string]interface{}{
				"username": ev.Username,
				"type":     ev.Type,
			})
		}
	}
}

// Subscribers returns the number of local connections for username.
func (h *Hub) Subscribers(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[username])
}
