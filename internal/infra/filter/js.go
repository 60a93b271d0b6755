package filter

import (
	"log"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
	"github.com/coachpo/evbus/internal/infra/bus/eventbus"
)

const defaultJSTimeout = 100 * time.Millisecond

// JSOption configures a JavaScript filter.
type JSOption func(*jsOptions)

type jsOptions struct {
	timeout time.Duration
	logger  *log.Logger
}

// WithTimeout interrupts evaluations running longer than d. Zero disables the limit.
func WithTimeout(d time.Duration) JSOption {
	return func(o *jsOptions) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// WithJSLogger reports evaluation failures to logger.
func WithJSLogger(logger *log.Logger) JSOption {
	return func(o *jsOptions) {
		o.logger = logger
	}
}

type jsFilter struct {
	mu      sync.Mutex
	expr    string
	rt      *goja.Runtime
	program *goja.Program
	opts    jsOptions
}

// JavaScript compiles expr into a Filter. The expression sees a global
// event object with id, type, data and timestamp (unix milliseconds).
// Each filter owns one runtime; evaluations are serialized.
func JavaScript(expr string, opts ...JSOption) (eventbus.Filter, error) {
	const op = "filter/javascript"
	cfg := jsOptions{timeout: defaultJSTimeout, logger: nil}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("expression required"))
	}
	program, err := goja.Compile("filter.js", "("+expr+"\n)", true)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("compile expression"), errs.WithCause(err), errs.WithField("expr", expr))
	}

	f := &jsFilter{
		mu:      sync.Mutex{},
		expr:    expr,
		rt:      goja.New(),
		program: program,
		opts:    cfg,
	}
	return f.match, nil
}

func (f *jsFilter) match(evt schema.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rt.ClearInterrupt()
	if f.opts.timeout > 0 {
		timer := time.AfterFunc(f.opts.timeout, func() {
			f.rt.Interrupt("filter timeout")
		})
		defer func() {
			timer.Stop()
			f.rt.ClearInterrupt()
		}()
	}

	// scripts see a copy so assignments never reach handlers
	data, _ := copyValue(evt.Data).(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	event := f.rt.NewObject()
	_ = event.Set("id", evt.ID)
	_ = event.Set("type", evt.Type)
	_ = event.Set("event_type", evt.Type)
	_ = event.Set("data", data)
	_ = event.Set("timestamp", evt.Timestamp.UnixMilli())
	if err := f.rt.Set("event", event); err != nil {
		f.logf("javascript filter bind failed expr=%q event=%s: %v", evt.Type, err)
		return false
	}

	value, err := f.rt.RunProgram(f.program)
	if err != nil {
		f.logf("javascript filter eval failed expr=%q event=%s: %v", evt.Type, err)
		return false
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return false
	}
	return value.ToBoolean()
}

func (f *jsFilter) logf(format, eventType string, err error) {
	if f.opts.logger == nil {
		return
	}
	f.opts.logger.Printf(format, f.expr, eventType, err)
}

// copyValue deep-copies maps and slices. goja wraps Go containers by
// reference, so anything shared with the event must not be handed over.
func copyValue(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = copyValue(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), reflectCopy(iter.Value(), rv.Type().Elem()))
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(reflectCopy(rv.Index(i), rv.Type().Elem()))
		}
		return out.Interface()
	case reflect.Pointer:
		if rv.IsNil() {
			return v
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(rv.Elem())
		return out.Interface()
	default:
		return v
	}
}

func reflectCopy(v reflect.Value, elem reflect.Type) reflect.Value {
	if !v.IsValid() || (v.Kind() == reflect.Interface && v.IsNil()) {
		return reflect.Zero(elem)
	}
	copied := reflect.ValueOf(copyValue(v.Interface()))
	if !copied.IsValid() {
		return reflect.Zero(elem)
	}
	return copied
}
