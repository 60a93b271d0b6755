// Package eventbus implements the in-process publish/subscribe engine.
package eventbus

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SubscriptionID uniquely identifies a subscription for the life of its registry.
type SubscriptionID string

// Subscription binds a handler to a pattern. Fields are fixed once registered.
type Subscription struct {
	ID       SubscriptionID
	Pattern  string
	Handler  Handler
	Priority int
	Once     bool
	Filter   Filter

	seq     uint64
	claimed atomic.Bool
}

// Info describes the subscription for outcomes and error reports.
func (s *Subscription) Info() HandlerInfo {
	return HandlerInfo{
		SubscriptionID: s.ID,
		Pattern:        s.Pattern,
		Name:           s.Handler.Name(),
		Kind:           s.Handler.Kind(),
		Priority:       s.Priority,
		Once:           s.Once,
	}
}

// claim marks a once subscription as fired. Only the first caller wins.
func (s *Subscription) claim() bool {
	return s.claimed.CompareAndSwap(false, true)
}

// runsBefore is the dispatch order: priority descending, then registration order.
func (s *Subscription) runsBefore(other *Subscription) bool {
	if s.Priority != other.Priority {
		return s.Priority > other.Priority
	}
	return s.seq < other.seq
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithPriority sets the dispatch priority; higher runs first. Default 0.
func WithPriority(priority int) SubscribeOption {
	return func(s *Subscription) {
		s.Priority = priority
	}
}

// WithOnce removes the subscription after its first invocation.
func WithOnce() SubscribeOption {
	return func(s *Subscription) {
		s.Once = true
	}
}

// WithFilter restricts delivery to events the predicate accepts.
func WithFilter(filter Filter) SubscribeOption {
	return func(s *Subscription) {
		s.Filter = filter
	}
}

// WithName labels the handler for error reports.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) {
		s.Handler = s.Handler.Named(name)
	}
}

// Registry owns every subscription, bucketed by pattern and kept in dispatch order.
type Registry struct {
	mu        sync.RWMutex
	byPattern map[string][]*Subscription
	byID      map[SubscriptionID]*Subscription
	nextSeq   uint64

	observe func(pattern string, delta int64)
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return newRegistry(nil)
}

func newRegistry(observe func(pattern string, delta int64)) *Registry {
	r := new(Registry)
	r.byPattern = make(map[string][]*Subscription)
	r.byID = make(map[SubscriptionID]*Subscription)
	r.observe = observe
	return r
}

// Subscribe registers handler for pattern and returns the new subscription ID.
// Pattern "*" receives every event.
func (r *Registry) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) SubscriptionID {
	sub := &Subscription{
		ID:      SubscriptionID(uuid.NewString()),
		Pattern: pattern,
		Handler: handler,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}

	r.mu.Lock()
	r.nextSeq++
	sub.seq = r.nextSeq
	bucket := r.byPattern[pattern]
	// new subscriptions carry the highest seq, so they go after every equal priority
	idx := sort.Search(len(bucket), func(i int) bool {
		return bucket[i].Priority < sub.Priority
	})
	bucket = append(bucket, nil)
	copy(bucket[idx+1:], bucket[idx:])
	bucket[idx] = sub
	r.byPattern[pattern] = bucket
	r.byID[sub.ID] = sub
	r.mu.Unlock()

	r.notify(pattern, 1)
	return sub.ID
}

// Unsubscribe removes the subscription. It reports whether anything was removed.
func (r *Registry) Unsubscribe(id SubscriptionID) bool {
	r.mu.Lock()
	sub, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	bucket := r.byPattern[sub.Pattern]
	for i, candidate := range bucket {
		if candidate == sub {
			bucket = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(r.byPattern, sub.Pattern)
	} else {
		r.byPattern[sub.Pattern] = bucket
	}
	r.mu.Unlock()

	r.notify(sub.Pattern, -1)
	return true
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	removed := make(map[string]int, len(r.byPattern))
	for pattern, bucket := range r.byPattern {
		removed[pattern] = len(bucket)
	}
	r.byPattern = make(map[string][]*Subscription)
	r.byID = make(map[SubscriptionID]*Subscription)
	r.mu.Unlock()

	for pattern, n := range removed {
		r.notify(pattern, -int64(n))
	}
}

// Count returns the number of subscriptions registered under exactly pattern.
func (r *Registry) Count(pattern string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPattern[pattern])
}

// Len returns the number of subscriptions across all patterns.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Lookup returns the subscription registered under id.
func (r *Registry) Lookup(id SubscriptionID) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

func (r *Registry) notify(pattern string, delta int64) {
	if r.observe != nil && delta != 0 {
		r.observe(pattern, delta)
	}
}
