// Package schema defines the event value carried through the bus.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/evbus/internal/domain/errs"
)

// Wildcard is the subscription pattern that matches every event type.
const Wildcard = "*"

// Event is an immutable message with a type, a payload, and its creation time.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with a fresh ID and the current UTC time.
// The payload map is copied so later producer mutations do not leak into dispatch.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      CloneData(data),
		Timestamp: Now(),
	}
}

// Now returns the current wall-clock time in UTC without a monotonic reading,
// which keeps timestamps identical across a JSON round trip.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}

// Validate ensures the event carries the fields the bus depends on.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	return nil
}

// Normalize fills the ID, timestamp, and payload of a caller-built event.
func (e Event) Normalize() Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = Now()
	}
	e.Data = CloneData(e.Data)
	return e
}

// CloneData returns a shallow copy of the payload; nil becomes an empty map.
func CloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
