// Package validation checks event payloads against JSON Schema documents.
package validation

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/coachpo/evbus/internal/domain/errs"
	"github.com/coachpo/evbus/internal/domain/schema"
)

const schemaBaseURL = "https://evbus.schemas.local/events/"

// SchemaValidator holds one compiled Draft 2020-12 schema per event type.
// Events whose type has no registered schema are accepted.
type SchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator returns an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		mu:      sync.RWMutex{},
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles schemaJSON and binds it to eventType, replacing any
// previous schema. An empty document removes the binding.
func (v *SchemaValidator) Register(eventType, schemaJSON string) error {
	const op = "validation/register"
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if strings.TrimSpace(schemaJSON) == "" {
		v.mu.Lock()
		delete(v.schemas, eventType)
		v.mu.Unlock()
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("%s%s.schema.json", schemaBaseURL, url.PathEscape(eventType))
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("load schema"), errs.WithField("event_type", eventType), errs.WithCause(err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("compile schema"), errs.WithField("event_type", eventType), errs.WithCause(err))
	}

	v.mu.Lock()
	v.schemas[eventType] = compiled
	v.mu.Unlock()
	return nil
}

// Registered reports whether eventType has a schema.
func (v *SchemaValidator) Registered(eventType string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[eventType]
	return ok
}

// Validate checks the event payload against the schema registered for its type.
func (v *SchemaValidator) Validate(evt schema.Event) error {
	const op = "validation/validate"
	v.mu.RLock()
	compiled, ok := v.schemas[evt.Type]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	doc, err := normalize(evt.Data)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("payload is not JSON encodable"), errs.WithField("event_type", evt.Type), errs.WithCause(err))
	}
	if err := compiled.Validate(doc); err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("payload does not match schema"), errs.WithField("event_type", evt.Type), errs.WithCause(err))
	}
	return nil
}

// normalize converts Go values into the shapes a JSON decoder produces.
func normalize(data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
