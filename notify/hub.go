// Package notify fans lifecycle events out to topic subscribers.
//
// Delivery is at-most-once. Publish never blocks: each subscriber owns a
// bounded buffer and events that do not fit are dropped and counted.
// Clients that miss events recover by re-reading job status.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/logger"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 64

// ErrHubClosed is returned by Publish and Subscribe after Close.
var ErrHubClosed = errors.New("notification hub closed")

// Subscription receives events for a set of topics until unsubscribed.
type Subscription struct {
	ID     uint64
	C      <-chan Event
	ch     chan Event
	topics map[string]struct{}
}

// Topics returns the subscribed topics.
func (s *Subscription) Topics() []string {
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Subscribers int
	Published   uint64
	Delivered   uint64
	Dropped     uint64
}

// Hub is an in-process topic fan-out.
type Hub struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	closed     bool
	bufferSize int

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	allowedOrigins []string
	logger         *zap.SugaredLogger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBufferSize overrides the per-subscriber buffer size.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithAllowedOrigins sets the origin prefixes accepted by ServeWS.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.allowedOrigins = origins }
}

// NewHub creates a hub.
func NewHub(log *zap.SugaredLogger, opts ...HubOption) *Hub {
	h := &Hub{
		subs:       make(map[uint64]*Subscription),
		bufferSize: DefaultBufferSize,
		logger:     logger.OrNop(log).Named("notify"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers interest in topics.
func (h *Hub) Subscribe(topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.NewValidationError("at least one topic is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	h.nextID++
	ch := make(chan Event, h.bufferSize)
	sub := &Subscription{
		ID:     h.nextID,
		C:      ch,
		ch:     ch,
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	h.subs[sub.ID] = sub

	h.logger.Debugw("Subscribed", logger.FieldTopics, topics, "subscription_id", sub.ID)
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
}

// Publish delivers ev to every subscriber of any of its topics.
func (h *Hub) Publish(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHubClosed
	}
	h.published.Add(1)

	for _, sub := range h.subs {
		if !sub.matches(ev.Topics) {
			continue
		}
		select {
		case sub.ch <- ev:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Debugw("Subscriber buffer full, event dropped",
				logger.FieldJobID, ev.JobID,
				"event_type", ev.Type,
				"subscription_id", sub.ID,
			)
		}
	}
	return nil
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()

	return Stats{
		Subscribers: n,
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close unsubscribes everyone. Later publishes return ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (s *Subscription) matches(topics []string) bool {
	for _, t := range topics {
		if _, ok := s.topics[t]; ok {
			return true
		}
	}
	return false
}
