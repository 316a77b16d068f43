package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/andrey/deskpilot/internal/task"
)

// Envelope is the normalized result shape every tool module returns.
// The core is agnostic to what a tool does internally.
type Envelope struct {
	Success     bool
	Payload     string
	ErrorDetail string
	// ArtifactRef points at a captured artifact (screenshot path etc.).
	ArtifactRef string
}

// Ok builds a successful envelope.
func Ok(payload string) Envelope {
	return Envelope{Success: true, Payload: payload}
}

// Fail builds a failed envelope with a tool-level error detail. Tool
// modules report their own failures this way instead of returning an
// error, so the executor sees errors only for infrastructure problems.
func Fail(format string, args ...any) Envelope {
	return Envelope{ErrorDetail: fmt.Sprintf(format, args...)}
}

// Descriptor is the capability contract for one tool.
type Descriptor struct {
	Name        string
	Description string
	// Schema is a JSON-schema object describing the tool's arguments.
	Schema     map[string]any
	Risk       task.RiskClass
	Idempotent bool
	// Timeout is the per-tool default; zero falls back to the executor
	// default. Overridable per invocation.
	Timeout time.Duration
}

// Module defines the interface for all agent capabilities.
type Module interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (Envelope, error)
}

// Registry maps tool names to modules. Populated at startup and
// read-only at runtime, so plans can be validated without racing a
// concurrent registration.
type Registry struct {
	modules map[string]Module
	frozen  bool
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module. Panics if called after Freeze; registration
// is a configuration-time operation, not a runtime one.
func (r *Registry) Register(m Module) {
	if r.frozen {
		panic("tools: Register called after Freeze")
	}
	r.modules[m.Descriptor().Name] = m
}

// Freeze marks the registry read-only.
func (r *Registry) Freeze() { r.frozen = true }

// Resolve returns the module and descriptor for a tool name.
func (r *Registry) Resolve(name string) (Module, Descriptor, error) {
	m, ok := r.modules[name]
	if !ok {
		return nil, Descriptor{}, fmt.Errorf("%w: %s", task.ErrToolNotFound, name)
	}
	return m, m.Descriptor(), nil
}

// Descriptors returns every registered descriptor, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SanitizeArgs drops argument keys the schema does not declare and
// checks that every required key is present. Planner output is
// untrusted; nothing reaches a tool without passing through here.
func SanitizeArgs(desc Descriptor, args map[string]any) (map[string]any, error) {
	props, _ := desc.Schema["properties"].(map[string]any)
	out := make(map[string]any, len(args))
	for k, v := range args {
		if _, ok := props[k]; ok {
			out[k] = v
		}
	}
	if req, ok := desc.Schema["required"].([]string); ok {
		for _, k := range req {
			if _, present := out[k]; !present {
				return nil, fmt.Errorf("tool %s: missing required argument %q", desc.Name, k)
			}
		}
	}
	return out, nil
}

// decodeArgs maps a loosely-typed argument map onto a tool's own args
// struct via a JSON round trip.
func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid input: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid input: %v", err)
	}
	return nil
}
