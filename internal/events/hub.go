package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/therapy-audio-service/internal/metrics"
)

// Event types
const (
	TypeRecordingProcessed = "recording.processed"
	TypeRecordingFailed    = "recording.failed"
	TypeSettingsUpdated    = "settings.updated"
	TypeAchievement        = "achievement"
)

// Event is one notification
type Event struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	UserID string    `json:"user_id,omitempty"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data,omitempty"`
}

// Subscription receives events until it is closed
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	userID string
	hub    *Hub

	dropped uint64 // guarded by hub.mu
}

// Close unsubscribes and closes C
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Dropped returns the number of events this subscriber missed
func (s *Subscription) Dropped() uint64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Hub delivers published events to subscribers
type Hub struct {
	subscribers map[*Subscription]struct{}
	closed      bool
	metrics     *metrics.Metrics

	published uint64
	dropped   uint64

	mu sync.Mutex
}

// HubStats represents hub statistics
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// NewHub creates an empty hub
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		subscribers: make(map[*Subscription]struct{}),
		metrics:     m,
	}
}

// Subscribe registers a subscriber with the given channel buffer. A
// non-empty userID receives only that user's events and broadcasts.
func (h *Hub) Subscribe(userID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, userID: userID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return sub
	}
	h.subscribers[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber without blocking and
// returns the number of subscribers that dropped it. Missing ID and Time
// are filled in.
func (h *Hub) Publish(ev Event) int {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}

	dropped := 0
	for sub := range h.subscribers {
		if sub.userID != "" && ev.UserID != "" && sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			dropped++
		}
	}

	h.published++
	h.dropped += uint64(dropped)
	h.metrics.RecordEvent(dropped)
	return dropped
}

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		close(sub.ch)
	}
	h.subscribers = nil
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return HubStats{
		Subscribers: len(h.subscribers),
		Published:   h.published,
		Dropped:     h.dropped,
	}
}
