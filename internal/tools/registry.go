package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Permission is a ToolSpec's declared side-effect class. The policy engine
// only gates "write" tools behind require_approval_for_write.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Handler executes a tool call against already schema-validated arguments
// and returns the raw JSON result to surface back to the run.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ToolSpec is one registered tool: its wire identity, its declared
// permission, the JSON Schema its arguments must satisfy, and the handler
// that performs it.
type ToolSpec struct {
	Name        string
	Description string
	Permission  Permission
	Schema      json.RawMessage // parameter_schema
	Handler     Handler

	validator *SchemaValidator
}

// Registry is the gateway's tool catalog: register at startup, look up and
// list at runtime. Names are unique; the catalog is immutable once startup
// completes, except through Reload which is itself guarded by Gateway Core
// (the registry does not gate who may call Reload).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolSpec
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolSpec)}
}

// Register adds a tool to the catalog. It fails if the name is already
// registered or the parameter schema does not compile.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: tool name required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tools: %s: handler required", spec.Name)
	}
	switch spec.Permission {
	case PermissionRead, PermissionWrite:
	default:
		return fmt.Errorf("tools: %s: invalid permission %q", spec.Name, spec.Permission)
	}

	var validator *SchemaValidator
	if len(spec.Schema) > 0 {
		v, err := NewSchemaValidator(spec.Schema)
		if err != nil {
			return fmt.Errorf("tools: %s: %w", spec.Name, err)
		}
		validator = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tools: %s: already registered", spec.Name)
	}
	spec.validator = validator
	r.tools[spec.Name] = &spec
	return nil
}

// Get returns the named tool, or false if it is not registered.
func (r *Registry) Get(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	if !ok {
		return ToolSpec{}, false
	}
	return *spec, true
}

// Permission implements policy.ToolLookup: it reports the tool's declared
// permission and whether it is registered at all.
func (r *Registry) Permission(name string) (string, bool) {
	spec, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return string(spec.Permission), true
}

// List returns every registered tool, sorted by name.
func (r *Registry) List() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(r.tools))
	for _, spec := range r.tools {
		out = append(out, *spec)
	}
	insertionSortSpecs(out)
	return out
}

func insertionSortSpecs(specs []ToolSpec) {
	for i := 1; i < len(specs); i++ {
		for j := i; j > 0 && specs[j-1].Name > specs[j].Name; j-- {
			specs[j-1], specs[j] = specs[j], specs[j-1]
		}
	}
}

// Invoke validates argsJSON against the tool's parameter schema (when one
// was registered) and runs its handler.
func (r *Registry) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	spec, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: %s: %w", name, ErrNotFound)
	}
	if spec.validator != nil {
		if _, err := spec.validator.ValidateArgs(string(argsJSON)); err != nil {
			return nil, err
		}
	}
	return spec.Handler(ctx, argsJSON)
}

// ErrNotFound is wrapped into Invoke's error when the tool isn't registered.
var ErrNotFound = fmt.Errorf("tool not found")

// Validate checks argsJSON against name's parameter_schema without running
// its handler. Policy Engine / orchestrator callers use this to validate
// arguments before a tool call is admitted, independent of whether the call
// ultimately runs (e.g. while it is still awaiting approval).
func (r *Registry) Validate(name string, argsJSON json.RawMessage) error {
	r.mu.RLock()
	spec, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tools: %s: %w", name, ErrNotFound)
	}
	if spec.validator == nil {
		return nil
	}
	_, err := spec.validator.ValidateArgs(string(argsJSON))
	return err
}

// Reload atomically replaces the entire catalog. Callers (Gateway Core) are
// responsible for authorizing this operation; the registry itself performs
// no access control.
func (r *Registry) Reload(specs []ToolSpec) error {
	fresh := make(map[string]*ToolSpec, len(specs))
	for _, spec := range specs {
		spec := spec
		if spec.Name == "" {
			return fmt.Errorf("tools: reload: tool name required")
		}
		if _, exists := fresh[spec.Name]; exists {
			return fmt.Errorf("tools: reload: duplicate name %s", spec.Name)
		}
		if len(spec.Schema) > 0 {
			v, err := NewSchemaValidator(spec.Schema)
			if err != nil {
				return fmt.Errorf("tools: reload: %s: %w", spec.Name, err)
			}
			spec.validator = v
		}
		fresh[spec.Name] = &spec
	}
	r.mu.Lock()
	r.tools = fresh
	r.mu.Unlock()
	return nil
}
