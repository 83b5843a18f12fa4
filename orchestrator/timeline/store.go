package timeline

import (
	"sync"
	"time"
)

// Actor identifies who caused a lifecycle event.
const (
	ActorSystem   = "SYSTEM"
	ActorApprover = "APPROVER"
	ActorMDM      = "MDM"
)

type RequestEvent struct {
	RequestNumber string            `json:"request_number"`
	Table         string            `json:"table"`
	Stage         string            `json:"stage"` // SUBMITTED, NUMBER_ASSIGNED, ATTACHMENT_LINKED, NOTIFIED, LEVEL_DECIDED, AUTO_APPROVED, SEND_BACK, REJECTED, EXPIRED, INVALID, BASELINE_SET, ALLOCATED, MIRRORED, CLAIMED, FEEDBACK, COMPLETED, REPAIRED
	Actor         string            `json:"actor,omitempty"`
	Agent         string            `json:"agent,omitempty"`
	Level         int               `json:"level"`
	Reason        string            `json:"reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// maxEvents bounds the in-memory log; the oldest half is dropped on overflow.
const maxEvents = 8192

type Store struct {
	events   []RequestEvent
	watchers []chan RequestEvent
	mu       sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		events: make([]RequestEvent, 0),
	}
}

func (s *Store) Record(e RequestEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
	if len(s.events) > maxEvents {
		keep := len(s.events) / 2
		s.events = append(s.events[:0:0], s.events[len(s.events)-keep:]...)
	}
	for _, ch := range s.watchers {
		select {
		case ch <- e:
		default:
			// A stalled watcher loses events; Record must never block the
			// lifecycle handlers behind it.
		}
	}
}

// Watch returns a channel that receives every event recorded after the call.
// The channel is never closed; a receiver that falls behind by more than
// buffer events misses the overflow.
func (s *Store) Watch(buffer int) <-chan RequestEvent {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan RequestEvent, buffer)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) GetEvents(requestNumber string) []RequestEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []RequestEvent
	for _, e := range s.events {
		if e.RequestNumber == requestNumber {
			results = append(results, e)
		}
	}
	return results
}

func (s *Store) GetEventsByStage(stage string) []RequestEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []RequestEvent
	for _, e := range s.events {
		if e.Stage == stage {
			results = append(results, e)
		}
	}
	return results
}

// Recent returns up to limit of the newest events in chronological order.
func (s *Store) Recent(limit int) []RequestEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	c := make([]RequestEvent, limit)
	copy(c, s.events[len(s.events)-limit:])
	return c
}

// GetAllEvents returns a copy of the whole log.
func (s *Store) GetAllEvents() []RequestEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]RequestEvent, len(s.events))
	copy(c, s.events)
	return c
}
