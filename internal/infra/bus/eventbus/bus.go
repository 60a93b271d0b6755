package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
	"github.com/coachpo/evbus/internal/infra/history"
	"github.com/coachpo/evbus/internal/infra/persistence/wal"
	"github.com/coachpo/evbus/lib/async"
)

// Bus is the event bus facade. Each Bus owns its registry, history and log.
type Bus struct {
	cfg        config
	registry   *Registry
	history    *history.Store
	dispatcher *dispatcher
	metrics    *busMetrics

	lifecycle sync.Mutex
	queue     *async.Pool
	closing   bool
	replayed  bool
	started   atomic.Bool
	closed    atomic.Bool

	walMu   sync.RWMutex
	journal *wal.Log
}

// New constructs a bus. A bus with persistence replays its log on Start, or on
// the first emit if Start was never called.
func New(opts ...Option) *Bus {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.meterProvider == nil {
		cfg.meterProvider = otel.GetMeterProvider()
	}

	b := new(Bus)
	b.cfg = cfg
	b.metrics = newBusMetrics(cfg.meterProvider)
	b.registry = newRegistry(b.metrics.subscriptionDelta)
	b.history = history.New(cfg.historyLimit)
	b.dispatcher = &dispatcher{
		registry: b.registry,
		history:  b.history,
		onError:  cfg.onError,
		logger:   cfg.logger,
		metrics:  b.metrics,
	}
	return b
}

// Open constructs a bus and starts it.
func Open(ctx context.Context, opts ...Option) (*Bus, error) {
	b := New(opts...)
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Start replays the write-ahead log into history, without invoking handlers,
// and opens the log for appending. It is a no-op once the bus has started.
func (b *Bus) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.closed.Load() {
		return closedError("eventbus/start")
	}
	if b.started.Load() {
		return nil
	}
	if b.cfg.walPath != "" {
		path := b.cfg.walPath
		if !b.replayed {
			var replayed []schema.Event
			stats, err := wal.Replay(ctx, path, func(evt schema.Event) error {
				replayed = append(replayed, evt)
				return nil
			}, b.walOptions()...)
			if err != nil {
				return errs.New("eventbus/start", errs.CodePersistence,
					errs.WithMessage("replay write-ahead log"),
					errs.WithField("path", path),
					errs.WithCause(err))
			}
			for _, evt := range replayed {
				b.history.Append(evt)
			}
			b.replayed = true
			b.logf("replayed %d events from %s (%d malformed skipped)", stats.Records, path, stats.Malformed)
		}
		journal, err := wal.Open(path, b.walOptions()...)
		if err != nil {
			return errs.New("eventbus/start", errs.CodePersistence,
				errs.WithMessage("open write-ahead log"),
				errs.WithField("path", path),
				errs.WithCause(err))
		}
		b.walMu.Lock()
		b.journal = journal
		b.walMu.Unlock()
	}
	b.started.Store(true)
	return nil
}

// Close drains the background queue, then flushes and closes the log. Later
// emits fail with ErrBusClosed. Close is idempotent.
func (b *Bus) Close() error {
	b.lifecycle.Lock()
	if b.closing {
		b.lifecycle.Unlock()
		return nil
	}
	b.closing = true
	queue := b.queue
	b.lifecycle.Unlock()

	// queued posts still dispatch while draining
	var drainErr error
	if queue != nil {
		drainErr = queue.Shutdown(context.Background())
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.closed.Store(true)
	b.walMu.Lock()
	journal := b.journal
	b.journal = nil
	b.walMu.Unlock()

	var closeErr error
	if journal != nil {
		closeErr = journal.Close()
	}
	return errors.Join(drainErr, closeErr)
}

// Subscribe registers handler for pattern ("*" for every event).
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) SubscriptionID {
	return b.registry.Subscribe(pattern, handler, opts...)
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	return b.registry.Unsubscribe(id)
}

// On subscribes a synchronous handler.
func (b *Bus) On(pattern string, fn SyncFunc, opts ...SubscribeOption) SubscriptionID {
	return b.Subscribe(pattern, Sync(fn), opts...)
}

// OnAsync subscribes an asynchronous handler.
func (b *Bus) OnAsync(pattern string, fn AsyncFunc, opts ...SubscribeOption) SubscriptionID {
	return b.Subscribe(pattern, Async(fn), opts...)
}

// Once subscribes a synchronous handler that fires at most once.
func (b *Bus) Once(pattern string, fn SyncFunc, opts ...SubscribeOption) SubscriptionID {
	return b.Subscribe(pattern, Sync(fn), append(opts, WithOnce())...)
}

// OnceAsync subscribes an asynchronous handler that fires at most once.
func (b *Bus) OnceAsync(pattern string, fn AsyncFunc, opts ...SubscribeOption) SubscriptionID {
	return b.Subscribe(pattern, Async(fn), append(opts, WithOnce())...)
}

// Emit builds an event and dispatches it to every matching subscription,
// awaiting async handlers in order. Handler failures are reported through the
// error callback (or Result.Err) and never abort the dispatch. The returned
// error covers rejected events and write-ahead log failures.
func (b *Bus) Emit(ctx context.Context, eventType string, data map[string]any) (Result, error) {
	return b.publish(ctx, schema.NewEvent(eventType, data), modeAsync, "eventbus/emit")
}

// Publish dispatches a caller-built event. Missing ID and timestamp are filled.
func (b *Bus) Publish(ctx context.Context, evt schema.Event) (Result, error) {
	return b.publish(ctx, evt.Normalize(), modeAsync, "eventbus/publish")
}

// EmitSync dispatches on the strict synchronous path. If any matching
// subscription is asynchronous it fails with ErrAsyncHandler before anything
// runs, and the event is not recorded.
func (b *Bus) EmitSync(eventType string, data map[string]any) (Result, error) {
	return b.publish(context.Background(), schema.NewEvent(eventType, data), modeSync, "eventbus/emit_sync")
}

// PublishSync is EmitSync for a caller-built event.
func (b *Bus) PublishSync(evt schema.Event) (Result, error) {
	return b.publish(context.Background(), evt.Normalize(), modeSync, "eventbus/publish_sync")
}

// Post queues the event for dispatch on the background worker and returns
// immediately. Posted events dispatch in FIFO order.
func (b *Bus) Post(ctx context.Context, eventType string, data map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(eventType) == "" {
		return emptyTypeError("eventbus/post")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("eventbus/post: %w", err)
	}
	evt := schema.NewEvent(eventType, data)
	queue, err := b.backgroundQueue()
	if err != nil {
		return err
	}
	err = queue.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		_, err := b.publish(taskCtx, evt, modeAsync, "eventbus/post")
		return err
	})
	if err != nil {
		return errs.New("eventbus/post", errs.CodeUnavailable,
			errs.WithMessage("background queue rejected event"),
			errs.WithField("event_type", eventType),
			errs.WithCause(err))
	}
	return nil
}

// History returns recorded events oldest first, optionally restricted to one
// exact type and to the newest limit entries.
func (b *Bus) History(eventType string, limit int) []schema.Event {
	return b.history.Query(eventType, limit)
}

// ClearHistory drops the in-memory history. The log is untouched.
func (b *Bus) ClearHistory() {
	b.history.Clear()
}

// ClearHandlers removes every subscription.
func (b *Bus) ClearHandlers() {
	b.registry.Clear()
}

// HandlerCount returns the subscriptions registered under exactly pattern.
func (b *Bus) HandlerCount(pattern string) int {
	return b.registry.Count(pattern)
}

// TotalHandlers returns the subscriptions across all patterns.
func (b *Bus) TotalHandlers() int {
	return b.registry.Len()
}

// Compact rewrites the log keeping its newest keep records. The open log is
// closed for the rewrite and reopened afterwards.
func (b *Bus) Compact(ctx context.Context, keep int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.closed.Load() {
		return 0, closedError("eventbus/compact")
	}
	if b.cfg.walPath == "" {
		return 0, errs.New("eventbus/compact", errs.CodeInvalid, errs.WithMessage("persistence not enabled"))
	}

	b.walMu.Lock()
	defer b.walMu.Unlock()
	reopen := b.journal != nil
	if reopen {
		if err := b.journal.Close(); err != nil {
			return 0, err
		}
		b.journal = nil
	}
	removed, compactErr := wal.Compact(ctx, b.cfg.walPath, keep, b.walOptions()...)
	if reopen {
		journal, err := wal.Open(b.cfg.walPath, b.walOptions()...)
		if err != nil {
			return removed, errors.Join(compactErr, err)
		}
		b.journal = journal
	}
	return removed, compactErr
}

// Started reports whether Start has completed.
func (b *Bus) Started() bool {
	return b.started.Load()
}

func (b *Bus) publish(ctx context.Context, evt schema.Event, mode dispatchMode, op string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(evt.Type) == "" {
		return Result{Event: evt}, emptyTypeError(op)
	}
	if b.closed.Load() {
		return Result{Event: evt}, closedError(op)
	}
	if err := ctx.Err(); err != nil {
		return Result{Event: evt}, fmt.Errorf("%s: %w", op, err)
	}
	var startErr error
	if !b.started.Load() {
		startErr = b.Start(ctx)
		if startErr != nil && !errs.HasCode(startErr, errs.CodePersistence) {
			return Result{Event: evt}, startErr
		}
	}
	if b.cfg.validator != nil {
		if err := b.cfg.validator.Validate(evt); err != nil {
			return Result{Event: evt}, errs.New(op, errs.CodeInvalid,
				errs.WithMessage("event rejected by validator"),
				errs.WithField("event_type", evt.Type),
				errs.WithCause(err))
		}
	}

	// without a usable log the event is still dispatched and recorded
	var journal Journal
	if b.cfg.walPath != "" && startErr == nil {
		journal = liveJournal{bus: b}
	}
	res, err := b.dispatcher.dispatch(ctx, evt, mode, journal)
	if startErr != nil {
		return res, errors.Join(startErr, err)
	}
	return res, err
}

func (b *Bus) backgroundQueue() (*async.Pool, error) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.closing {
		return nil, closedError("eventbus/post")
	}
	if b.queue == nil {
		queue, err := async.NewPool(1, b.cfg.queueDepth, async.WithErrorHandler(func(err error) {
			b.logf("background emit failed: %v", err)
		}))
		if err != nil {
			return nil, err
		}
		b.queue = queue
	}
	return b.queue, nil
}

func (b *Bus) walOptions() []wal.Option {
	opts := []wal.Option{
		wal.WithLogger(b.cfg.logger),
		wal.WithMeterProvider(b.cfg.meterProvider),
	}
	return append(opts, b.cfg.walOptions...)
}

func (b *Bus) logf(format string, args ...any) {
	if b.cfg.logger == nil {
		return
	}
	b.cfg.logger.Printf(format, args...)
}

// liveJournal appends to whichever log the bus currently holds, so a
// concurrent Compact never sees a write against a closed file.
type liveJournal struct {
	bus *Bus
}

func (j liveJournal) Append(ctx context.Context, evt schema.Event) error {
	j.bus.walMu.RLock()
	defer j.bus.walMu.RUnlock()
	if j.bus.journal == nil {
		return errs.New("eventbus/journal", errs.CodePersistence,
			errs.WithMessage("write-ahead log not open"),
			errs.WithField("path", j.bus.cfg.walPath),
			errs.WithCause(ErrBusClosed))
	}
	return j.bus.journal.Append(ctx, evt)
}
