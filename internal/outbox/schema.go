package outbox

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/retry"
)

const schemaBaseURL = "https://tillsync.local/schemas/"

// SchemaRegistry holds optional per entity type JSON Schemas for payloads.
// Entity types without a schema accept any JSON object.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and installs the schema for an entity type.
func (r *SchemaRegistry) Register(entityType string, schema []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", entityType, err)
	}

	loc := schemaBaseURL + entityType + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", entityType, err)
	}
	compiled, err := c.Compile(loc)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", entityType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[entityType] = compiled
	return nil
}

// RegisterFile reads a schema file and registers it.
func (r *SchemaRegistry) RegisterFile(entityType, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema for %s: %w", entityType, err)
	}
	return r.Register(entityType, data)
}

// Has reports whether a schema is registered for entityType.
func (r *SchemaRegistry) Has(entityType string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[entityType]
	return ok
}

// Len returns the number of registered schemas.
func (r *SchemaRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

// Validate checks payload against the entity type's schema. Violations are
// STRUCTURAL failures.
func (r *SchemaRegistry) Validate(entityType string, payload []byte) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sch, ok := r.schemas[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return retry.Wrap(ir.CategoryStructural, fmt.Errorf("payload for %s is not JSON: %w", entityType, err))
	}
	if err := sch.Validate(inst); err != nil {
		return retry.Wrap(ir.CategoryStructural, fmt.Errorf("payload for %s: %w", entityType, err))
	}
	return nil
}
