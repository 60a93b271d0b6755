// Package wal implements the append-only JSON Lines event log and its replay and maintenance helpers.
package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
)

// Log is an open handle on a JSON Lines event log. Appends are serialized.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	opts    options
	metrics *walMetrics
	closed  bool
}

// Open opens (creating if needed) the log at path for appending. Missing parent
// directories are created. A non-empty file that does not end in a newline gets
// one appended so a torn trailing record stays on its own line.
func Open(path string, opts ...Option) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errs.New("wal/open", errs.CodeInvalid, errs.WithMessage("log path required"))
	}
	o := applyOptions(opts)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, persistenceError("wal/open", path, "create parent directory", err)
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, persistenceError("wal/open", path, "open log", err)
	}
	if err := terminateTornTail(file); err != nil {
		_ = file.Close()
		return nil, persistenceError("wal/open", path, "repair trailing record", err)
	}

	l := new(Log)
	l.path = path
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.opts = o
	l.metrics = newMetrics(o.meterProvider)
	return l, nil
}

func terminateTornTail(file *os.File) error {
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := file.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("terminate tail: %w", err)
	}
	return nil
}

// Path returns the file path backing the log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// IsOpen reports whether the log still accepts appends.
func (l *Log) IsOpen() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Append writes one record. The record is flushed before Append returns and
// fsynced when sync is enabled. Failed writes are retried with exponential
// backoff; a retry starts on a fresh line so a partial write never merges
// with the retried record.
func (l *Log) Append(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	line, err := encodeRecord(evt)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errs.New("wal/append", errs.CodePersistence,
			errs.WithMessage("log closed"),
			errs.WithField("path", l.path),
			errs.WithCause(os.ErrClosed))
	}

	start := time.Now()
	err = l.appendWithRetry(ctx, line)
	l.metrics.recordAppend(ctx, evt.Type, start, err)
	if err != nil {
		return errs.New("wal/append", errs.CodePersistence,
			errs.WithMessage("append record"),
			errs.WithField("path", l.path),
			errs.WithField("event_type", evt.Type),
			errs.WithCause(err))
	}
	return nil
}

func (l *Log) appendWithRetry(ctx context.Context, line []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.opts.retryInterval
	policy.MaxInterval = l.opts.retryMaxWait

	var lastErr error
	for attempt := 0; attempt <= l.opts.appendRetries; attempt++ {
		if attempt > 0 {
			sleep := policy.NextBackOff()
			if sleep == backoff.Stop {
				break
			}
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
			// discard anything a failed attempt left in the buffer
			l.writer.Reset(l.file)
		}
		payload := line
		if attempt > 0 {
			payload = append([]byte{'\n'}, line...)
		}
		if lastErr = l.writeLocked(payload); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (l *Log) writeLocked(payload []byte) error {
	if _, err := l.writer.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if l.opts.sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("fsync: %w", err)
		}
	}
	return nil
}

// Flush pushes buffered data to the file and fsyncs it when sync is enabled.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return persistenceError("wal/flush", l.path, "flush log", err)
	}
	if l.opts.sync {
		if err := l.file.Sync(); err != nil {
			return persistenceError("wal/flush", l.path, "fsync log", err)
		}
	}
	return nil
}

// Close flushes, fsyncs and closes the file. Subsequent calls are no-ops.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var closeErr error
	if err := l.writer.Flush(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("flush: %w", err))
	}
	if err := l.file.Sync(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("fsync: %w", err))
	}
	if err := l.file.Close(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("close: %w", err))
	}
	if closeErr != nil {
		return persistenceError("wal/close", l.path, "close log", closeErr)
	}
	return nil
}

func persistenceError(op, path, message string, cause error) error {
	return errs.New(op, errs.CodePersistence,
		errs.WithMessage(message),
		errs.WithField("path", path),
		errs.WithCause(cause))
}
