// Package tools implements the built-in half of tool dispatch (spec §4.7
// "MCP dispatch"): a name without the MCP "<server>__<tool>" delimiter
// resolves here. Adapted from the teacher's pkg/tools/tool.go ToolRegistry,
// trimmed to the spec's Tool/Result shape and extended with jsonschema
// argument validation (A8, grounded on haasonsaas-nexus's
// pkg/pluginsdk/validation.go compile-and-cache pattern).
package tools

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tool is one built-in, in-process tool available to every run.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	RequiredParameters() []string
	Execute(args map[string]any) (result string, isError bool)
}

// Registry holds every built-in tool, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), schemas: make(map[string]*jsonschema.Schema)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool, used to build the allTools set handed
// to a backend alongside any MCP-discovered tools (spec §4.7).
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Validate checks args against the tool's declared JSON Schema, compiling
// and caching the schema on first use per tool name.
func (r *Registry) Validate(t Tool, args map[string]any) error {
	schema, err := r.compiledSchema(t)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(args)
}

func (r *Registry) compiledSchema(t Tool) (*jsonschema.Schema, error) {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()

	if s, ok := r.schemas[t.Name()]; ok {
		return s, nil
	}
	if t.Parameters() == nil {
		r.schemas[t.Name()] = nil
		return nil, nil
	}

	full := map[string]any{"type": "object", "properties": t.Parameters()}
	if req := t.RequiredParameters(); len(req) > 0 {
		full["required"] = req
	}
	raw, err := json.Marshal(full)
	if err != nil {
		return nil, err
	}
	compiled, err := jsonschema.CompileString(t.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	r.schemas[t.Name()] = compiled
	return compiled, nil
}

// Dispatch runs a built-in tool by name, validating its arguments first.
// Matches the non-MCP branch of spec §4.7's dispatchTool: an unknown name
// is not a protocol error, it's an error *result* the model sees and may
// recover from.
func (r *Registry) Dispatch(name string, args map[string]any) (result string, isError bool) {
	t, ok := r.Get(name)
	if !ok {
		return "Unknown tool: " + name, true
	}
	if err := r.Validate(t, args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), true
	}
	return t.Execute(args)
}
