package filter

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
	"github.com/coachpo/evbus/internal/infra/bus/eventbus"
)

func event(t *testing.T, eventType string, data map[string]any) schema.Event {
	t.Helper()
	return schema.NewEvent(eventType, data)
}

func TestCELMatchesEventFields(t *testing.T) {
	f, err := CEL(`event_type == "device.light.on" && data.room == "kitchen" && data.level > 3`)
	require.NoError(t, err)

	require.True(t, f(event(t, "device.light.on", map[string]any{"room": "kitchen", "level": 5})))
	require.False(t, f(event(t, "device.light.on", map[string]any{"room": "kitchen", "level": 1})))
	require.False(t, f(event(t, "device.light.off", map[string]any{"room": "kitchen", "level": 5})))
}

func TestCELExposesIDAndTimestamp(t *testing.T) {
	f, err := CEL(`id != "" && timestamp > 0`)
	require.NoError(t, err)
	require.True(t, f(event(t, "x", nil)))
}

func TestCELEvaluationErrorRejects(t *testing.T) {
	f, err := CEL(`data.missing == "x"`)
	require.NoError(t, err)
	require.False(t, f(event(t, "x", map[string]any{})))

	guarded, err := CEL(`has(data.missing) && data.missing == "x"`)
	require.NoError(t, err)
	require.False(t, guarded(event(t, "x", nil)))
	require.True(t, guarded(event(t, "x", map[string]any{"missing": "x"})))
}

func TestCELNonBooleanResultRejects(t *testing.T) {
	f, err := CEL(`data.level`)
	require.NoError(t, err)
	require.False(t, f(event(t, "x", map[string]any{"level": 2})))
}

func TestCELCompileErrors(t *testing.T) {
	for _, expr := range []string{"", "   ", "event_type ==", `event_type + "x"`, "unknown_var"} {
		_, err := CEL(expr)
		require.Error(t, err, expr)
		require.True(t, errs.HasCode(err, errs.CodeInvalid), expr)
	}
}

func TestCELConcurrentEvaluation(t *testing.T) {
	f, err := CEL(`data.n % 2 == 0`)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if f(event(t, "x", map[string]any{"n": n})) != (n%2 == 0) {
				t.Errorf("unexpected result for %d", n)
			}
		}(i)
	}
	wg.Wait()
}

func TestJavaScriptMatchesEventFields(t *testing.T) {
	f, err := JavaScript(`event.type.startsWith("device.") && event.data.level > 3`)
	require.NoError(t, err)

	require.True(t, f(event(t, "device.light.on", map[string]any{"level": 5})))
	require.False(t, f(event(t, "device.light.on", map[string]any{"level": 2})))
	require.False(t, f(event(t, "user.login", map[string]any{"level": 9})))
}

func TestJavaScriptTruthiness(t *testing.T) {
	f, err := JavaScript(`event.data.tag`)
	require.NoError(t, err)
	require.True(t, f(event(t, "x", map[string]any{"tag": "a"})))
	require.False(t, f(event(t, "x", map[string]any{"tag": ""})))
	require.False(t, f(event(t, "x", nil)))
}

func TestJavaScriptThrowRejects(t *testing.T) {
	f, err := JavaScript(`event.data.missing.field === 1`)
	require.NoError(t, err)
	require.False(t, f(event(t, "x", nil)))
}

func TestJavaScriptTimeoutInterruptsAndRecovers(t *testing.T) {
	f, err := JavaScript(`event.data.spin ? (function () { while (true) {} })() : true`,
		WithTimeout(20*time.Millisecond), WithJSLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, err)

	require.False(t, f(event(t, "x", map[string]any{"spin": true})))
	require.True(t, f(event(t, "x", map[string]any{"spin": false})), "runtime is usable after an interrupt")
}

func TestJavaScriptCompileErrors(t *testing.T) {
	for _, expr := range []string{"", "event.type ===", "function ("} {
		_, err := JavaScript(expr)
		require.Error(t, err, expr)
		require.True(t, errs.HasCode(err, errs.CodeInvalid), expr)
	}
}

func TestJavaScriptCannotMutatePayload(t *testing.T) {
	f, err := JavaScript(`(event.data.n = 99, event.data.nested.ids[0] = 9, event.data.tags[0] = "z", delete event.data.room, true)`,
		WithJSLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, err)

	evt := event(t, "x", map[string]any{
		"n":      1,
		"room":   "hall",
		"nested": map[string]any{"ids": []any{1, 2, 3}},
		"tags":   []string{"a"},
	})
	require.True(t, f(evt))
	require.Equal(t, map[string]any{
		"n":      1,
		"room":   "hall",
		"nested": map[string]any{"ids": []any{1, 2, 3}},
		"tags":   []string{"a"},
	}, evt.Data)
}

func TestJavaScriptFilterLeavesLaterHandlersUntouched(t *testing.T) {
	b := eventbus.New(eventbus.WithLogger(log.New(io.Discard, "", 0)))
	t.Cleanup(func() { _ = b.Close() })

	rewrite, err := JavaScript(`(event.data.state = "off") !== ""`)
	require.NoError(t, err)

	var seen []any
	b.On("light", func(evt schema.Event) error {
		seen = append(seen, evt.Data["state"])
		return nil
	}, eventbus.WithFilter(rewrite), eventbus.WithPriority(10))
	b.On("light", func(evt schema.Event) error {
		seen = append(seen, evt.Data["state"])
		return nil
	})

	res, err := b.Emit(context.Background(), "light", map[string]any{"state": "on"})
	require.NoError(t, err)
	require.Equal(t, []any{"on", "on"}, seen)
	require.Equal(t, "on", res.Event.Data["state"])
}

func TestFiltersGateBusDelivery(t *testing.T) {
	b := eventbus.New(eventbus.WithLogger(log.New(io.Discard, "", 0)))
	t.Cleanup(func() { _ = b.Close() })

	kitchen, err := CEL(`data.room == "kitchen"`)
	require.NoError(t, err)
	bright, err := JavaScript(`event.data.level >= 5`)
	require.NoError(t, err)

	var got []string
	b.On("*", func(evt schema.Event) error {
		got = append(got, "cel:"+evt.Data["room"].(string))
		return nil
	}, eventbus.WithFilter(kitchen))
	b.Once("light", func(schema.Event) error {
		got = append(got, "js")
		return nil
	}, eventbus.WithFilter(bright))

	res, err := b.Emit(context.Background(), "light", map[string]any{"room": "hall", "level": 2})
	require.NoError(t, err)
	require.Equal(t, 2, res.Count(eventbus.StatusFiltered))
	require.Equal(t, 1, b.HandlerCount("light"), "a filtered once handler stays registered")

	_, err = b.Emit(context.Background(), "light", map[string]any{"room": "kitchen", "level": 7})
	require.NoError(t, err)
	require.Equal(t, []string{"cel:kitchen", "js"}, got)
	require.Zero(t, b.HandlerCount("light"))
}
