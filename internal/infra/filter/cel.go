// Package filter builds subscription filters from boolean expressions.
//
// Filters evaluate against a single event. An expression that fails at
// evaluation time, or yields something other than a boolean, rejects the event.
package filter

import (
	"log"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
	"github.com/coachpo/evbus/internal/infra/bus/eventbus"
)

const defaultCELCostLimit = 10000

// CELOption configures a CEL filter.
type CELOption func(*celOptions)

type celOptions struct {
	costLimit uint64
	logger    *log.Logger
}

// WithCostLimit bounds the runtime cost of a single evaluation.
func WithCostLimit(limit uint64) CELOption {
	return func(o *celOptions) {
		if limit > 0 {
			o.costLimit = limit
		}
	}
}

// WithCELLogger reports evaluation failures to logger.
func WithCELLogger(logger *log.Logger) CELOption {
	return func(o *celOptions) {
		o.logger = logger
	}
}

// CEL compiles expr into a Filter. The expression sees event_type, id,
// data (map) and timestamp (unix milliseconds).
func CEL(expr string, opts ...CELOption) (eventbus.Filter, error) {
	const op = "filter/cel"
	cfg := celOptions{costLimit: defaultCELCostLimit, logger: nil}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("expression required"))
	}

	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("id", cel.StringType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, errs.New(op, errs.CodeConfiguration, errs.WithMessage("build environment"), errs.WithCause(err))
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("compile expression"), errs.WithCause(issues.Err()), errs.WithField("expr", expr))
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("expression must be boolean"), errs.WithField("expr", expr), errs.WithField("type", ast.OutputType().String()))
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(cfg.costLimit),
	)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("build program"), errs.WithCause(err), errs.WithField("expr", expr))
	}

	return func(evt schema.Event) bool {
		data := evt.Data
		if data == nil {
			data = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"event_type": evt.Type,
			"id":         evt.ID,
			"data":       data,
			"timestamp":  evt.Timestamp.UnixMilli(),
		})
		if err != nil {
			if cfg.logger != nil {
				cfg.logger.Printf("cel filter eval failed expr=%q event=%s: %v", expr, evt.Type, err)
			}
			return false
		}
		matched, ok := out.Value().(bool)
		return ok && matched
	}, nil
}
