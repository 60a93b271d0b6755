package eventbus

import (
	"context"

	"github.com/coachpo/evbus/internal/domain/schema"
)

// Kind tells a synchronous handler from an asynchronous one.
type Kind uint8

const (
	// KindSync handlers run inline on the emitting goroutine.
	KindSync Kind = iota
	// KindAsync handlers run on their own goroutine and are awaited.
	KindAsync
)

func (k Kind) String() string {
	if k == KindAsync {
		return "async"
	}
	return "sync"
}

// SyncFunc is a handler that completes before returning.
type SyncFunc func(evt schema.Event) error

// AsyncFunc is a handler that may block on I/O and honours ctx.
type AsyncFunc func(ctx context.Context, evt schema.Event) error

// Handler is a callable subscriber. Build one with Sync or Async; the kind is
// fixed at construction.
type Handler struct {
	name  string
	kind  Kind
	sync  SyncFunc
	async AsyncFunc
}

// Sync wraps a synchronous callable.
func Sync(fn SyncFunc) Handler {
	return Handler{kind: KindSync, sync: fn}
}

// Async wraps an asynchronous callable.
func Async(fn AsyncFunc) Handler {
	return Handler{kind: KindAsync, async: fn}
}

// Named returns a copy of the handler labelled with name for error reports.
func (h Handler) Named(name string) Handler {
	h.name = name
	return h
}

// Name returns the handler label, if any.
func (h Handler) Name() string { return h.name }

// Kind returns whether the handler is synchronous or asynchronous.
func (h Handler) Kind() Kind { return h.kind }

// IsAsync reports whether the handler must be awaited.
func (h Handler) IsAsync() bool { return h.kind == KindAsync }

func (h Handler) call(ctx context.Context, evt schema.Event) error {
	switch h.kind {
	case KindAsync:
		if h.async == nil {
			return errNilHandler
		}
		return h.async(ctx, evt)
	default:
		if h.sync == nil {
			return errNilHandler
		}
		return h.sync(evt)
	}
}

// Filter decides whether a subscription receives an event. It must not mutate the event.
type Filter func(evt schema.Event) bool

// HandlerInfo identifies the subscription an outcome or error refers to.
type HandlerInfo struct {
	SubscriptionID SubscriptionID
	Pattern        string
	Name           string
	Kind           Kind
	Priority       int
	Once           bool
}

// ErrorCallback receives every handler failure together with the event and the
// failing subscription. It runs synchronously on the dispatching goroutine.
type ErrorCallback func(err error, evt schema.Event, info HandlerInfo)
