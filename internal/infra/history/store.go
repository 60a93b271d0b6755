// Package history keeps an in-memory, optionally bounded, record of dispatched events.
package history

import (
	"sync"

	"github.com/coachpo/evbus/internal/domain/schema"
)

// DefaultCapacity mirrors the bus default of keeping the newest thousand events.
const DefaultCapacity = 1000

// Entry is a stored event and its position in the append sequence.
type Entry struct {
	Seq   uint64
	Event schema.Event
}

// Store is an append-only event history with FIFO eviction once capacity is reached.
type Store struct {
	mu       sync.RWMutex
	capacity int
	ring     []Entry
	head     int
	size     int
	nextSeq  uint64
}

// New constructs a history store. A capacity of zero or less keeps every event.
func New(capacity int) *Store {
	s := new(Store)
	s.capacity = capacity
	if capacity > 0 {
		s.ring = make([]Entry, capacity)
	}
	return s
}

// Capacity reports the configured bound; zero or less means unbounded.
func (s *Store) Capacity() int {
	return s.capacity
}

// Append records the event and returns its sequence number, starting at one.
func (s *Store) Append(evt schema.Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	entry := Entry{Seq: s.nextSeq, Event: evt}
	if s.capacity <= 0 {
		s.ring = append(s.ring, entry)
		s.size++
		return entry.Seq
	}
	if s.size < s.capacity {
		s.ring[(s.head+s.size)%s.capacity] = entry
		s.size++
		return entry.Seq
	}
	// full: overwrite the oldest slot
	s.ring[s.head] = entry
	s.head = (s.head + 1) % s.capacity
	return entry.Seq
}

// Query returns matching events oldest first. An empty eventType matches every
// event; a positive limit keeps only the newest limit matches.
func (s *Store) Query(eventType string, limit int) []schema.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]schema.Event, 0, s.size)
	for i := 0; i < s.size; i++ {
		entry := s.at(i)
		if eventType != "" && entry.Event.Type != eventType {
			continue
		}
		matched = append(matched, entry.Event)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Entries returns every retained entry oldest first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, s.size)
	for i := 0; i < s.size; i++ {
		out = append(out, s.at(i))
	}
	return out
}

// Len reports how many events are retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Clear drops every retained event. Sequence numbers keep increasing.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 {
		s.ring = make([]Entry, s.capacity)
	} else {
		s.ring = nil
	}
	s.head = 0
	s.size = 0
}

func (s *Store) at(i int) Entry {
	if s.capacity <= 0 {
		return s.ring[i]
	}
	return s.ring[(s.head+i)%s.capacity]
}
