package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
)

// HistoryAppender records dispatched events.
type HistoryAppender interface {
	Append(evt schema.Event) uint64
}

// Journal durably records dispatched events.
type Journal interface {
	Append(ctx context.Context, evt schema.Event) error
}

type dispatchMode uint8

const (
	modeAsync dispatchMode = iota
	modeSync
)

func (m dispatchMode) String() string {
	if m == modeSync {
		return "sync"
	}
	return "async"
}

const (
	resultOK                = "ok"
	resultHandlerFailures   = "handler_failures"
	resultPersistenceFailed = "persistence_failed"
	resultRejected          = "rejected"
)

// Status is the per-subscription result of one dispatch.
type Status string

const (
	// StatusInvoked means the handler ran and returned nil.
	StatusInvoked Status = "invoked"
	// StatusFiltered means the filter rejected the event; a once subscription stays armed.
	StatusFiltered Status = "filtered"
	// StatusSkipped means a once subscription had already fired elsewhere.
	StatusSkipped Status = "skipped"
	// StatusFailed means the handler or its filter returned an error or panicked.
	StatusFailed Status = "failed"
)

// Outcome reports what happened to one resolved subscription.
type Outcome struct {
	SubscriptionID SubscriptionID
	Handler        HandlerInfo
	Status         Status
	Err            error
}

// Result lists one outcome per resolved subscription, in dispatch order.
type Result struct {
	Event    schema.Event
	Outcomes []Outcome

	reported bool
}

// Count returns how many outcomes have the given status.
func (r Result) Count(status Status) int {
	n := 0
	for _, out := range r.Outcomes {
		if out.Status == status {
			n++
		}
	}
	return n
}

// Failures returns the failed outcomes.
func (r Result) Failures() []Outcome {
	var failed []Outcome
	for _, out := range r.Outcomes {
		if out.Status == StatusFailed {
			failed = append(failed, out)
		}
	}
	return failed
}

// Err joins the handler failures of this dispatch. It is nil when an error
// callback was configured, since the callback already received each failure.
func (r Result) Err() error {
	if r.reported {
		return nil
	}
	failed := r.Failures()
	if len(failed) == 0 {
		return nil
	}
	causes := make([]error, 0, len(failed))
	for _, out := range failed {
		causes = append(causes, &HandlerError{
			Handler:   out.Handler,
			EventType: r.Event.Type,
			EventID:   r.Event.ID,
			Err:       out.Err,
		})
	}
	return errs.New("eventbus/dispatch", errs.CodeHandler,
		errs.WithMessage(fmt.Sprintf("%d handler(s) failed", len(failed))),
		errs.WithField("event_type", r.Event.Type),
		errs.WithCause(errors.Join(causes...)))
}

type dispatcher struct {
	registry *Registry
	history  HistoryAppender
	onError  ErrorCallback
	logger   *log.Logger
	metrics  *busMetrics
}

// dispatch runs RESOLVE, FILTER, EXECUTE and FINALIZE for one event. No lock is
// held while handlers run.
func (d *dispatcher) dispatch(ctx context.Context, evt schema.Event, mode dispatchMode, journal Journal) (Result, error) {
	start := time.Now()
	candidates := d.registry.Resolve(evt.Type)

	if mode == modeSync {
		for _, sub := range candidates {
			if sub.Handler.IsAsync() {
				d.metrics.recordDispatch(ctx, evt.Type, mode, start, resultRejected)
				return Result{Event: evt}, asyncHandlerError(evt.Type, sub.Info())
			}
		}
	}

	result := Result{
		Event:    evt,
		Outcomes: make([]Outcome, 0, len(candidates)),
		reported: d.onError != nil,
	}
	for _, sub := range candidates {
		out := d.deliver(ctx, sub, evt)
		result.Outcomes = append(result.Outcomes, out)
		d.metrics.recordOutcome(ctx, evt.Type, out)
		if out.Status == StatusFailed {
			d.report(out.Err, evt, out.Handler)
		}
	}

	if d.history != nil {
		d.history.Append(evt)
	}
	if journal != nil {
		if err := journal.Append(ctx, evt); err != nil {
			d.metrics.recordDispatch(ctx, evt.Type, mode, start, resultPersistenceFailed)
			return result, errs.New("eventbus/emit", errs.CodePersistence,
				errs.WithMessage("write-ahead append failed"),
				errs.WithField("event_type", evt.Type),
				errs.WithField("event_id", evt.ID),
				errs.WithCause(err))
		}
	}

	outcome := resultOK
	if result.Count(StatusFailed) > 0 {
		outcome = resultHandlerFailures
	}
	d.metrics.recordDispatch(ctx, evt.Type, mode, start, outcome)
	return result, nil
}

func (d *dispatcher) deliver(ctx context.Context, sub *Subscription, evt schema.Event) Outcome {
	out := Outcome{SubscriptionID: sub.ID, Handler: sub.Info()}

	if sub.Filter != nil {
		accepted, err := evaluateFilter(sub.Filter, evt)
		if err != nil {
			out.Status = StatusFailed
			out.Err = err
			return out
		}
		if !accepted {
			out.Status = StatusFiltered
			return out
		}
	}

	if sub.Once && !sub.claim() {
		out.Status = StatusSkipped
		return out
	}

	err := invoke(ctx, sub.Handler, evt)
	if sub.Once {
		d.registry.Unsubscribe(sub.ID)
	}
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		return out
	}
	out.Status = StatusInvoked
	return out
}

func evaluateFilter(filter Filter, evt schema.Event) (bool, error) {
	var accepted bool
	var catcher panics.Catcher
	catcher.Try(func() {
		accepted = filter(evt)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		return false, &PanicError{Value: recovered.Value, Stack: recovered.Stack}
	}
	return accepted, nil
}

// invoke runs one handler. Async handlers get their own goroutine and are
// awaited before the next handler starts.
func invoke(ctx context.Context, h Handler, evt schema.Event) error {
	var err error
	if h.IsAsync() {
		var wg conc.WaitGroup
		wg.Go(func() {
			err = h.call(ctx, evt)
		})
		if recovered := wg.WaitAndRecover(); recovered != nil {
			return &PanicError{Value: recovered.Value, Stack: recovered.Stack}
		}
		return err
	}
	var catcher panics.Catcher
	catcher.Try(func() {
		err = h.call(ctx, evt)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		return &PanicError{Value: recovered.Value, Stack: recovered.Stack}
	}
	return err
}

func (d *dispatcher) report(err error, evt schema.Event, info HandlerInfo) {
	if d.onError == nil {
		d.logf("handler %s failed event_type=%s id=%s: %v", handlerLabel(info), evt.Type, evt.ID, err)
		return
	}
	var catcher panics.Catcher
	catcher.Try(func() {
		d.onError(err, evt, info)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		d.logf("error callback panicked for handler %s event_type=%s: %v", handlerLabel(info), evt.Type, recovered.Value)
	}
}

func (d *dispatcher) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

func handlerLabel(info HandlerInfo) string {
	if info.Name != "" {
		return info.Name
	}
	return string(info.SubscriptionID)
}
