package wal

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
)

const (
	reasonInvalidJSON      = "invalid_json"
	reasonMissingEventType = "missing_event_type"
)

// encodeRecord renders one newline-terminated log line.
func encodeRecord(evt schema.Event) ([]byte, error) {
	if strings.TrimSpace(evt.Type) == "" {
		return nil, errs.New("wal/encode", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return nil, errs.New("wal/encode", errs.CodePersistence,
			errs.WithMessage("encode record"),
			errs.WithField("event_type", evt.Type),
			errs.WithCause(err))
	}
	return append(line, '\n'), nil
}

// malformedError carries the metric reason alongside the envelope.
type malformedError struct {
	reason string
	err    *errs.E
}

func (m *malformedError) Error() string { return m.err.Error() }

func (m *malformedError) Unwrap() error { return m.err }

// record mirrors schema.Event on disk. Data stays raw so numbers can be
// decoded without passing through float64.
type record struct {
	ID        string          `json:"id"`
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// decodeRecord parses a trimmed, non-blank log line. Integral numbers in the
// payload come back as int64 (uint64 above its range), others as float64.
func decodeRecord(line []byte) (schema.Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return schema.Event{}, invalidJSON(err)
	}
	if strings.TrimSpace(rec.Type) == "" {
		return schema.Event{}, &malformedError{
			reason: reasonMissingEventType,
			err:    errs.New("wal/decode", errs.CodeMalformed, errs.WithMessage("event_type missing or empty")),
		}
	}
	data, err := decodeData(rec.Data)
	if err != nil {
		return schema.Event{}, invalidJSON(err)
	}

	evt := schema.Event{ID: rec.ID, Type: rec.Type, Data: data, Timestamp: rec.Timestamp}
	if !evt.Timestamp.IsZero() {
		evt.Timestamp = evt.Timestamp.UTC()
	}
	return evt.Normalize(), nil
}

func invalidJSON(err error) *malformedError {
	return &malformedError{
		reason: reasonInvalidJSON,
		err:    errs.New("wal/decode", errs.CodeMalformed, errs.WithMessage("invalid json"), errs.WithCause(err)),
	}
}

func decodeData(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	for k, v := range data {
		data[k] = fromNumbers(v)
	}
	return data, nil
}

// fromNumbers replaces json.Number values, at any depth, with Go numbers.
func fromNumbers(v any) any {
	switch typed := v.(type) {
	case json.Number:
		text := typed.String()
		if !strings.ContainsAny(text, ".eE") {
			if n, err := strconv.ParseInt(text, 10, 64); err == nil {
				return n
			}
			if n, err := strconv.ParseUint(text, 10, 64); err == nil {
				return n
			}
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
		return text
	case map[string]any:
		for k, item := range typed {
			typed[k] = fromNumbers(item)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = fromNumbers(item)
		}
		return typed
	default:
		return v
	}
}
