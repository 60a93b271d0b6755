package eventbus

import (
	"log"
	"os"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/evbus/internal/domain/schema"
	"github.com/coachpo/evbus/internal/infra/history"
	"github.com/coachpo/evbus/internal/infra/persistence/wal"
)

const defaultQueueDepth = 256

// Validator checks an event before it is dispatched. A non-nil error rejects
// the event; nothing is invoked or recorded.
type Validator interface {
	Validate(evt schema.Event) error
}

// Option configures a Bus.
type Option func(*config)

type config struct {
	historyLimit  int
	walPath       string
	walOptions    []wal.Option
	onError       ErrorCallback
	logger        *log.Logger
	meterProvider metric.MeterProvider
	validator     Validator
	queueDepth    int
}

func defaultConfig() config {
	return config{
		historyLimit:  history.DefaultCapacity,
		walPath:       "",
		walOptions:    nil,
		onError:       nil,
		logger:        log.New(os.Stdout, "eventbus ", log.LstdFlags|log.Lmicroseconds),
		meterProvider: nil,
		validator:     nil,
		queueDepth:    defaultQueueDepth,
	}
}

// WithHistoryLimit bounds the in-memory history. Zero or less keeps every event.
func WithHistoryLimit(limit int) Option {
	return func(c *config) {
		c.historyLimit = limit
	}
}

// WithPersistence enables the write-ahead log at path. Options tune the log
// (fsync, retries) and are also used for replay and compaction.
func WithPersistence(path string, opts ...wal.Option) Option {
	return func(c *config) {
		c.walPath = strings.TrimSpace(path)
		c.walOptions = append(c.walOptions, opts...)
	}
}

// WithErrorCallback installs the handler failure callback.
func WithErrorCallback(cb ErrorCallback) Option {
	return func(c *config) {
		c.onError = cb
	}
}

// WithLogger overrides the default logger. The write-ahead log inherits it
// unless its own logger was given.
func WithLogger(logger *log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeterProvider routes bus and log instruments to mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithValidator checks every event before dispatch.
func WithValidator(v Validator) Option {
	return func(c *config) {
		c.validator = v
	}
}

// WithQueueDepth sizes the background queue used by Post.
func WithQueueDepth(depth int) Option {
	return func(c *config) {
		if depth > 0 {
			c.queueDepth = depth
		}
	}
}
