package eventbus

import (
	"errors"
	"fmt"

	"github.com/coachpo/evbus/internal/domain/errs"
)

var (
	// ErrAsyncHandler is returned when the strict synchronous path meets an async subscription.
	ErrAsyncHandler = errors.New("eventbus: async handler on synchronous dispatch")
	// ErrEmptyEventType is returned when an event carries no type.
	ErrEmptyEventType = errors.New("eventbus: event type required")
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("eventbus: bus closed")

	errNilHandler = errors.New("eventbus: handler function is nil")
)

// HandlerError ties a handler failure to the subscription and event it came from.
type HandlerError struct {
	Handler   HandlerInfo
	EventType string
	EventID   string
	Err       error
}

func (e *HandlerError) Error() string {
	name := e.Handler.Name
	if name == "" {
		name = string(e.Handler.SubscriptionID)
	}
	return fmt.Sprintf("handler %s failed on %s (%s): %v", name, e.EventType, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PanicError is the failure recorded when a handler or filter panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func emptyTypeError(op string) error {
	return errs.New(op, errs.CodeInvalid,
		errs.WithMessage("event type required"),
		errs.WithCause(ErrEmptyEventType))
}

func closedError(op string) error {
	return errs.New(op, errs.CodeUnavailable,
		errs.WithMessage("bus closed"),
		errs.WithCause(ErrBusClosed))
}

func asyncHandlerError(eventType string, info HandlerInfo) error {
	return errs.New("eventbus/emit_sync", errs.CodeConfiguration,
		errs.WithMessage("async handler cannot run on the synchronous path"),
		errs.WithField("event_type", eventType),
		errs.WithField("subscription", string(info.SubscriptionID)),
		errs.WithField("pattern", info.Pattern),
		errs.WithCause(ErrAsyncHandler))
}
