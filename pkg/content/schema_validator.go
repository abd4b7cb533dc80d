package content

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/twinfer/wotkit/pkg/wot"
)

// SchemaValidator checks values against TD data schemas. Compiled schemas
// are cached by their JSON form.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*gojsonschema.Schema
}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*gojsonschema.Schema)}
}

func (v *SchemaValidator) compiled(schema *wot.DataSchema) (*gojsonschema.Schema, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	key := string(schemaJSON)

	v.mu.RLock()
	c, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = c
	v.mu.Unlock()
	return c, nil
}

// Validate returns an error describing every violation. A nil schema or a
// nil value is always accepted.
func (v *SchemaValidator) Validate(schema *wot.DataSchema, value any) error {
	if schema == nil || value == nil {
		return nil
	}
	c, err := v.compiled(schema)
	if err != nil {
		return err
	}

	result, err := c.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("value does not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
