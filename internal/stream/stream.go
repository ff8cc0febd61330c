package stream

import (
	"context"
	"sync"
	"time"
)

// GrantEvent describes one grant lifecycle action for live monitoring
// dashboards. Record-owner identifiers are opaque, so the event is
// safe to surface as-is.
type GrantEvent struct {
	Action     string    `json:"action"`
	TokenID    int64     `json:"token_id"`
	OwnerID    string    `json:"owner_id"`
	Actor      string    `json:"actor"`
	Holder     string    `json:"holder,omitempty"`
	Scopes     []string  `json:"scopes,omitempty"`
	LedgerTime uint64    `json:"ledger_time"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs grant events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan GrantEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan GrantEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan GrantEvent {
	ch := make(chan GrantEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt GrantEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SubscriberCount reports active subscribers; used by readiness info.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
