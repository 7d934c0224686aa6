// Package tools is the closed set of actions an agent may take. Every tool
// is registered up front with a parameter schema, timeout, cost and rate
// limit; the Router resolves calls by name and never dispatches dynamically.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/llm"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Call is one invocation of a tool.
type Call struct {
	RunID     string
	Seq       int64
	Tool      string
	Params    json.RawMessage
	SandboxID string
}

// Handler executes a tool. Returned errors should be *errs.Error values;
// unclassified errors are classified by message.
type Handler func(ctx context.Context, call Call) (json.RawMessage, error)

// Tool describes a registered tool.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON schema for the params object. Empty means any object.
	Schema    json.RawMessage
	Timeout   time.Duration
	Cost      int64
	RateLimit config.RateLimitConfig
	Handler   Handler
}

type registered struct {
	Tool
	schema *jsonschema.Schema
}

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*registered{}}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	if !validName.MatchString(t.Name) {
		return fmt.Errorf("invalid tool name %q", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s missing handler", t.Name)
	}
	if t.Cost < 0 {
		return fmt.Errorf("tool %s has negative cost", t.Name)
	}
	if len(bytes.TrimSpace(t.Schema)) == 0 {
		t.Schema = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = &registered{Tool: t, schema: schema}
	return nil
}

// MustRegister is Register for static tool tables.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// ApplyOverrides replaces timeouts, costs and rate limits from config.
func (r *Registry) ApplyOverrides(overrides map[string]config.ToolOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, o := range overrides {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		if o.Timeout > 0 {
			t.Timeout = o.Timeout
		}
		if o.Cost > 0 {
			t.Cost = o.Cost
		}
		if o.RateLimit.Limit > 0 {
			t.RateLimit = o.RateLimit
		}
	}
}

// Lookup returns a copy of the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return t.Tool, true
}

// Names lists registered tools, sorted.
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

// Specs returns the model-facing descriptions of the allowed tools. Names
// that are not registered are skipped.
func (r *Registry) Specs(allowed []string) []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSpec, 0, len(allowed))
	for _, name := range allowed {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return out
}

// Validate checks params against the tool's schema.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.ValidationError, "unknown tool %q", name)
	}
	var doc any
	if len(bytes.TrimSpace(params)) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(params, &doc); err != nil {
		return errs.Wrap(errs.ValidationError, err, "params for %s are not valid JSON", name)
	}
	if err := t.schema.Validate(doc); err != nil {
		return errs.Wrap(errs.ValidationError, err, "params for %s do not match its schema", name)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
