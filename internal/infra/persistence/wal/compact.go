package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/coachpo/evbus/internal/domain/schema"
)

// Compact rewrites the log at path so it holds only its last keep well-formed
// records (every well-formed record when keep is zero or less). Malformed lines
// are dropped. The new content is written to a sibling temp file that is then
// renamed over the original. It returns how many lines were removed.
//
// The file must not be held open by a live Log while it is compacted.
func Compact(ctx context.Context, path string, keep int, opts ...Option) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, persistenceError("wal/compact", path, "stat log", err)
	}

	o := applyOptions(opts)
	var kept []schema.Event
	stats, err := Replay(ctx, path, func(evt schema.Event) error {
		kept = append(kept, evt)
		if keep > 0 && len(kept) > 2*keep {
			kept = append(kept[:0:0], kept[len(kept)-keep:]...)
		}
		return nil
	}, opts...)
	if err != nil {
		return 0, err
	}
	if keep > 0 && len(kept) > keep {
		kept = kept[len(kept)-keep:]
	}
	removed := stats.Lines - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := rewrite(path, kept, o.sync); err != nil {
		return 0, persistenceError("wal/compact", path, "rewrite log", err)
	}
	o.logger.Printf("compacted path=%s kept=%d removed=%d", path, len(kept), removed)
	return removed, nil
}

func rewrite(path string, events []schema.Event, sync bool) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".compact-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	writer := bufio.NewWriter(tmp)
	for _, evt := range events {
		line, encErr := encodeRecord(evt)
		if encErr != nil {
			return encErr
		}
		if _, err = writer.Write(line); err != nil {
			return fmt.Errorf("write temp: %w", err)
		}
	}
	if err = writer.Flush(); err != nil {
		return fmt.Errorf("flush temp: %w", err)
	}
	if sync {
		if err = tmp.Sync(); err != nil {
			return fmt.Errorf("fsync temp: %w", err)
		}
	}
	if info, statErr := os.Stat(path); statErr == nil {
		_ = tmp.Chmod(info.Mode().Perm())
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
