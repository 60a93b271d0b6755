package wal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/coachpo/evbus/internal/domain/schema"
)

// ReplayStats summarises one pass over a log file.
type ReplayStats struct {
	// Lines counts non-blank lines read.
	Lines int
	// Records counts well-formed records handed to the callback.
	Records int
	// Malformed counts lines that were skipped.
	Malformed int
}

// Replay streams every well-formed record of the log at path to fn, in file
// order. Malformed lines are skipped, counted and logged. A missing file is an
// empty replay. An error returned by fn stops the replay and is returned as is.
func Replay(ctx context.Context, path string, fn func(schema.Event) error, opts ...Option) (ReplayStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := applyOptions(opts)
	metrics := newMetrics(o.meterProvider)

	var stats ReplayStats
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, nil
		}
		return stats, persistenceError("wal/replay", path, "open log", err)
	}
	defer file.Close()

	suppressed := 0
	lineNo := 0
	err = scanLines(ctx, file, func(line []byte) error {
		lineNo++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return nil
		}
		stats.Lines++
		evt, decodeErr := decodeRecord(line)
		if decodeErr != nil {
			stats.Malformed++
			reason := reasonInvalidJSON
			var malformed *malformedError
			if errors.As(decodeErr, &malformed) {
				reason = malformed.reason
			}
			metrics.recordMalformed(ctx, reason)
			if o.warnLimiter.Allow() {
				o.logger.Printf("skip malformed record path=%s line=%d: %v", path, lineNo, decodeErr)
			} else {
				suppressed++
			}
			return nil
		}
		stats.Records++
		if fn == nil {
			return nil
		}
		return fn(evt)
	})
	if suppressed > 0 {
		o.logger.Printf("suppressed %d malformed record warnings path=%s", suppressed, path)
	}
	if err != nil {
		var readErr *readError
		if errors.As(err, &readErr) {
			return stats, persistenceError("wal/replay", path, "read log", readErr.err)
		}
		return stats, err
	}
	return stats, nil
}

// Load returns the last max well-formed events of the log, oldest first. A
// max of zero or less returns every event.
func Load(ctx context.Context, path string, max int, opts ...Option) ([]schema.Event, error) {
	var events []schema.Event
	_, err := Replay(ctx, path, func(evt schema.Event) error {
		events = append(events, evt)
		if max > 0 && len(events) > 2*max {
			events = append(events[:0:0], events[len(events)-max:]...)
		}
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(events) > max {
		events = events[len(events)-max:]
	}
	return events, nil
}

// Count returns the number of non-blank lines in the log, well-formed or not.
// A missing file counts as zero.
func Count(ctx context.Context, path string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, persistenceError("wal/count", path, "open log", err)
	}
	defer file.Close()

	count := 0
	err = scanLines(ctx, file, func(line []byte) error {
		if len(bytes.TrimSpace(line)) > 0 {
			count++
		}
		return nil
	})
	if err != nil {
		var readErr *readError
		if errors.As(err, &readErr) {
			return count, persistenceError("wal/count", path, "read log", readErr.err)
		}
		return count, err
	}
	return count, nil
}

type readError struct {
	err error
}

func (r *readError) Error() string { return r.err.Error() }

func (r *readError) Unwrap() error { return r.err }

// scanLines calls fn for every line, including an unterminated final one.
// Lines are not length limited.
func scanLines(ctx context.Context, r io.Reader, fn func([]byte) error) error {
	reader := bufio.NewReaderSize(r, defaultReadBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if fnErr := fn(line); fnErr != nil {
				return fnErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &readError{err: err}
		}
	}
}
