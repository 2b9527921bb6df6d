package germinal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolFunc executes a tool with already-validated parameters. A returned
// error means the tool itself broke; tools report domain failures inside
// the result map instead (e.g. {"error": "file not found"}).
type ToolFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Tool is a callable the agent may request. Parameters is a JSON Schema
// (draft 2020-12) that every call is validated against before Fn runs.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	RiskLevel   string
	Fn          ToolFunc

	compiled *jsonschema.Schema
}

// ToolSchema is the prompt-facing description of a tool.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	RiskLevel   string          `json:"risk_level"`
}

// Registry holds the tools available to agents. Registration compiles
// parameter schemas up front so a malformed schema fails at startup, not
// mid-invocation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's parameter schema and adds it. Registering
// an existing name replaces the previous tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if t.Fn == nil {
		return fmt.Errorf("register tool %s: nil function", t.Name)
	}
	if t.RiskLevel == "" {
		t.RiskLevel = RiskLow
	}
	if len(t.Parameters) == 0 {
		t.Parameters = json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	res := t.Name + ".schema.json"
	if err := c.AddResource(res, strings.NewReader(string(t.Parameters))); err != nil {
		return fmt.Errorf("register tool %s: %w", t.Name, err)
	}
	compiled, err := c.Compile(res)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", t.Name, err)
	}
	t.compiled = compiled

	r.mu.Lock()
	r.tools[t.Name] = &t
	r.mu.Unlock()
	return nil
}

// RegisterAll registers a batch of tools, stopping at the first error.
func (r *Registry) RegisterAll(tools []Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the tool and whether it is registered.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Risk returns the tool's risk level, or RiskUnknown for unregistered
// names.
func (r *Registry) Risk(name string) string {
	if t, ok := r.Get(name); ok {
		return t.RiskLevel
	}
	return RiskUnknown
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemasForAgent returns prompt schemas for the subset of allowed tools
// that are actually registered, in allowed-list order. A "*" entry grants
// every registered tool, sorted by name.
func (r *Registry) SchemasForAgent(allowed []string) []ToolSchema {
	for _, name := range allowed {
		if name == "*" {
			allowed = r.Names()
			break
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var schemas []ToolSchema
	for _, name := range allowed {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		schemas = append(schemas, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			RiskLevel:   t.RiskLevel,
		})
	}
	return schemas
}

// Execute validates params against the tool's schema and runs it. A schema
// violation short-circuits into an error result without calling the tool;
// only a tool function failure surfaces as a Go error.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("execute tool: %s not registered", name)
	}
	if params == nil {
		params = map[string]any{}
	}

	// The compiler validates decoded JSON values, so round-trip the map to
	// normalize ints to float64 the way a wire payload would arrive.
	raw, err := json.Marshal(params)
	if err != nil {
		return map[string]any{"error": "Parameter validation failed: " + err.Error()}, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]any{"error": "Parameter validation failed: " + err.Error()}, nil
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return map[string]any{"error": "Parameter validation failed: " + validationMessage(err)}, nil
	}

	return t.Fn(ctx, params)
}

// validationMessage flattens a jsonschema error into its most specific
// leaf cause, which reads far better in a model-facing message than the
// full tree.
func validationMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
