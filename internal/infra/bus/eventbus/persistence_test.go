package eventbus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
	"github.com/coachpo/evbus/internal/infra/persistence/wal"
)

func walPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "bus", "events.jsonl")
}

func TestReplayRestoresHistoryWithoutInvokingHandlers(t *testing.T) {
	path := walPath(t)

	first, err := Open(context.Background(), WithLogger(quietLogger()), WithPersistence(path))
	require.NoError(t, err)
	var emitted []schema.Event
	payloads := []map[string]any{
		{"source": "test"},
		{"big": int64(9007199254740993), "small": int64(3), "ratio": 0.25},
		{"tags": []any{int64(1), "two"}},
	}
	for i, typ := range []string{"device.added", "device.light.on", "device.removed"} {
		res, err := first.Emit(context.Background(), typ, payloads[i])
		require.NoError(t, err)
		emitted = append(emitted, res.Event)
	}
	require.NoError(t, first.Close())

	second := newTestBus(t, WithPersistence(path))
	var invoked int
	second.On("*", func(schema.Event) error {
		invoked++
		return nil
	})
	require.NoError(t, second.Start(context.Background()))
	require.NoError(t, second.Start(context.Background()), "start is idempotent")
	require.True(t, second.Started())
	require.Zero(t, invoked)

	restored := second.History("", 0)
	require.Len(t, restored, 3)
	for i := range emitted {
		require.Equal(t, emitted[i].ID, restored[i].ID)
		require.Equal(t, emitted[i].Type, restored[i].Type)
		require.Equal(t, emitted[i].Data, restored[i].Data)
		require.True(t, emitted[i].Timestamp.Equal(restored[i].Timestamp))
	}

	_, err = second.Emit(context.Background(), "device.added", nil)
	require.NoError(t, err)
	require.Equal(t, 1, invoked)
	require.Len(t, second.History("", 0), 4)
}

func TestFirstEmitReplaysBeforeDispatch(t *testing.T) {
	path := walPath(t)
	first := newTestBus(t, WithPersistence(path))
	_, err := first.Emit(context.Background(), "old", nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestBus(t, WithPersistence(path))
	require.False(t, second.Started())
	_, err = second.Emit(context.Background(), "new", nil)
	require.NoError(t, err)

	history := second.History("", 0)
	require.Len(t, history, 2)
	require.Equal(t, "old", history[0].Type)
	require.Equal(t, "new", history[1].Type)
}

func TestMalformedLogLineDoesNotBlockReplay(t *testing.T) {
	path := walPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	good := func(id, typ string) string {
		raw, err := json.Marshal(schema.Event{ID: id, Type: typ, Data: map[string]any{}, Timestamp: schema.Now()})
		require.NoError(t, err)
		return string(raw) + "\n"
	}
	content := good("a", "first") + "{broken json\n" + `{"id":"n","data":{}}` + "\n" + good("b", "second")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	b, err := Open(context.Background(), WithLogger(quietLogger()), WithPersistence(path))
	require.NoError(t, err)
	defer b.Close()

	history := b.History("", 0)
	require.Len(t, history, 2)
	require.Equal(t, "a", history[0].ID)
	require.Equal(t, "b", history[1].ID)
}

func TestEmitSyncRejectionWritesNothing(t *testing.T) {
	path := walPath(t)
	b := newTestBus(t, WithPersistence(path, wal.WithSync(false)))
	b.OnAsync("x", func(context.Context, schema.Event) error { return nil })

	_, err := b.EmitSync("x", nil)
	require.ErrorIs(t, err, ErrAsyncHandler)
	require.NoError(t, b.Close())

	n, err := wal.Count(context.Background(), path)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPersistenceFailureSurfacesAfterHandlersRan(t *testing.T) {
	path := walPath(t)
	b := newTestBus(t, WithPersistence(path), WithErrorCallback(func(error, schema.Event, HandlerInfo) {}))
	require.NoError(t, b.Start(context.Background()))
	var ran bool
	b.On("x", func(schema.Event) error {
		ran = true
		return nil
	})

	// simulate a log that can no longer be written
	require.NoError(t, b.journal.Close())

	res, err := b.Emit(context.Background(), "x", nil)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodePersistence))
	require.True(t, ran)
	require.Equal(t, 1, res.Count(StatusInvoked))
	require.Len(t, b.History("x", 0), 1)

	_, err = b.Emit(context.Background(), "unrelated", nil)
	require.True(t, errs.HasCode(err, errs.CodePersistence), "log stays unwritable but dispatch continues")
	require.Len(t, b.History("", 0), 2)
}

func TestStartFailsOnUnreadableLog(t *testing.T) {
	dir := t.TempDir()
	b := New(WithLogger(quietLogger()), WithPersistence(dir))
	err := b.Start(context.Background())
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodePersistence))
	require.False(t, b.Started())
	require.NoError(t, b.Close())
}

func TestUnusableLogOnFirstEmitStillDispatches(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))
	b := newTestBus(t, WithPersistence(filepath.Join(blocker, "events.jsonl")))

	invoked := 0
	b.On("x", func(schema.Event) error {
		invoked++
		return nil
	})

	for i := 1; i <= 2; i++ {
		res, err := b.Emit(context.Background(), "x", nil)
		require.Error(t, err)
		require.True(t, errs.HasCode(err, errs.CodePersistence))
		require.Equal(t, 1, res.Count(StatusInvoked))
		require.Equal(t, i, invoked)
		require.Len(t, b.History("x", 0), i)
	}
	require.False(t, b.Started())

	res, err := b.EmitSync("x", nil)
	require.True(t, errs.HasCode(err, errs.CodePersistence))
	require.Equal(t, 1, res.Count(StatusInvoked))
	require.Len(t, b.History("", 0), 3)
}

func TestCompactKeepsNewestAndLogStaysWritable(t *testing.T) {
	path := walPath(t)
	b := newTestBus(t, WithPersistence(path, wal.WithSync(false)))
	for i := 0; i < 5; i++ {
		_, err := b.Emit(context.Background(), "tick", map[string]any{"n": i})
		require.NoError(t, err)
	}

	removed, err := b.Compact(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	_, err = b.Emit(context.Background(), "tick", map[string]any{"n": 5})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	events, err := wal.Load(context.Background(), path, 0, wal.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, want := range []int64{3, 4, 5} {
		require.Equal(t, want, events[i].Data["n"])
	}

	_, err = b.Compact(context.Background(), 1)
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestCompactBeforeStartLeavesBusUnstarted(t *testing.T) {
	path := walPath(t)
	seed, err := Open(context.Background(), WithLogger(quietLogger()), WithPersistence(path))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := seed.Emit(context.Background(), "tick", nil)
		require.NoError(t, err)
	}
	require.NoError(t, seed.Close())

	b := newTestBus(t, WithPersistence(path))
	removed, err := b.Compact(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 3, removed)
	require.False(t, b.Started())

	require.NoError(t, b.Start(context.Background()))
	require.Len(t, b.History("", 0), 1)
}

func TestPostedEventsArePersistedBeforeClose(t *testing.T) {
	path := walPath(t)
	b := New(WithLogger(quietLogger()), WithPersistence(path, wal.WithSync(false)))
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Post(context.Background(), "queued", map[string]any{"n": i}))
	}
	require.NoError(t, b.Close())

	n, err := wal.Count(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 10, n)
}
