package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/opgate/opgate/pkg/classifier"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema("verbs", "#Verbs", builtinVerbsSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("rate_limits", "#RateLimits", builtinRateLimitsSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the definition named def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateVerbs checks verb tables against the verbs schema.
func (sr *SchemaRegistry) ValidateVerbs(tables classifier.Tables) error {
	data := make(map[string]interface{}, len(tables))
	for provider, table := range tables {
		entry := map[string]interface{}{}
		if len(table.Read) > 0 {
			entry["read"] = table.Read
		}
		if len(table.Write) > 0 {
			entry["write"] = table.Write
		}
		data[string(provider)] = entry
	}
	return sr.ValidateAgainstSchema("verbs", data)
}

// ValidateRateLimits checks dispatch rate limits against the rate_limits schema.
func (sr *SchemaRegistry) ValidateRateLimits(limits map[string]RateLimit) error {
	data := make(map[string]interface{}, len(limits))
	for provider, l := range limits {
		data[provider] = map[string]interface{}{"rps": l.RPS, "burst": l.Burst}
	}
	return sr.ValidateAgainstSchema("rate_limits", data)
}

// Built-in schema definitions

const builtinVerbsSchema = `
#Provider: "aws" | "gcp" | "azure" | "kubernetes" | "terraform"

// An entry is a verb, a service-scoped "service:verb", or a glob pattern.
#Entry: string & =~"^[A-Za-z0-9*?!\\[\\]{},._/-]+(:[A-Za-z0-9*?!\\[\\]{},._/-]+)?$"

#VerbTable: {
	read?: [...#Entry]
	write?: [...#Entry]
}

#Verbs: {
	[#Provider]: #VerbTable
}
`

const builtinRateLimitsSchema = `
#RateLimits: {
	["aws" | "gcp" | "azure" | "kubernetes" | "terraform"]: {
		rps:   number & >0
		burst: int & >=1
	}
}
`
