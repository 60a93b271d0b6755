package eventbus

import "github.com/coachpo/evbus/internal/domain/schema"

// Resolve returns the subscriptions that receive eventType, in dispatch order:
// the exact bucket and the wildcard bucket merged by priority, ties by
// registration. The slice is a snapshot and safe to use without the lock.
func (r *Registry) Resolve(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wildcard := r.byPattern[schema.Wildcard]
	if eventType == schema.Wildcard {
		return append([]*Subscription(nil), wildcard...)
	}
	exact := r.byPattern[eventType]
	return mergeOrdered(exact, wildcard)
}

func mergeOrdered(a, b []*Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].runsBefore(a[i]) {
			out = append(out, b[j])
			j++
			continue
		}
		out = append(out, a[i])
		i++
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
