package wal

import (
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	defaultAppendRetries  = 3
	defaultRetryInterval  = 5 * time.Millisecond
	defaultRetryMaxWait   = 250 * time.Millisecond
	defaultWarnEvery      = time.Second
	defaultWarnBurst      = 5
	defaultReadBufferSize = 64 * 1024
)

// Option configures a log handle or a maintenance call (Replay, Load, Compact).
type Option func(*options)

type options struct {
	sync          bool
	appendRetries int
	retryInterval time.Duration
	retryMaxWait  time.Duration
	logger        *log.Logger
	meterProvider metric.MeterProvider
	warnLimiter   *rate.Limiter
}

func defaultOptions() options {
	return options{
		sync:          true,
		appendRetries: defaultAppendRetries,
		retryInterval: defaultRetryInterval,
		retryMaxWait:  defaultRetryMaxWait,
		logger:        log.New(os.Stdout, "wal ", log.LstdFlags|log.Lmicroseconds),
		meterProvider: nil,
		warnLimiter:   nil,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.warnLimiter == nil {
		o.warnLimiter = rate.NewLimiter(rate.Every(defaultWarnEvery), defaultWarnBurst)
	}
	return o
}

// WithSync toggles fsync after every append. Enabled by default.
func WithSync(enabled bool) Option {
	return func(o *options) {
		o.sync = enabled
	}
}

// WithAppendRetries sets how many times a failed append is retried before it is reported.
func WithAppendRetries(retries int) Option {
	return func(o *options) {
		if retries >= 0 {
			o.appendRetries = retries
		}
	}
}

// WithRetryBackoff tunes the exponential backoff between append retries.
func WithRetryBackoff(initial, maxWait time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.retryInterval = initial
		}
		if maxWait > 0 {
			o.retryMaxWait = maxWait
		}
	}
}

// WithLogger overrides the logger used for malformed-record warnings and summaries.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider routes the log's instruments to the given provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithWarnLimiter throttles malformed-record warnings with the supplied limiter.
func WithWarnLimiter(limiter *rate.Limiter) Option {
	return func(o *options) {
		if limiter != nil {
			o.warnLimiter = limiter
		}
	}
}
