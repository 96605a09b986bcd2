// Package toolreg is an in-memory tool registry. It owns tool handlers and
// their argument schemas; permission checks live in the bridge, not here.
package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one business operation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered business operation with an optional argument schema.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema for args; nil = no validation
	Handler     Handler

	schema *jsonschema.Schema
}

// ValidationError reports arguments rejected before the handler ran.
type ValidationError struct {
	Tool    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Message)
}

// Registry holds tools by name. Registration happens at startup; lookups and
// invocations are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its argument schema when present.
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name must be non-empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	if len(t.Parameters) > 0 {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(t.Parameters)))
		if err != nil {
			return fmt.Errorf("tool %s: unmarshal schema: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tool %s: add schema resource: %w", t.Name, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = &t
	return nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns a registered tool's metadata.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke validates args against the tool's schema and runs the handler.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %s not registered", name)
	}

	if t.schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		// Round-trip through JSON so the validator sees json.Number values.
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, &ValidationError{Tool: name, Message: err.Error()}
		}
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return nil, &ValidationError{Tool: name, Message: err.Error()}
		}
		if err := t.schema.Validate(parsed); err != nil {
			return nil, &ValidationError{Tool: name, Message: err.Error()}
		}
	}

	return t.Handler(ctx, args)
}
