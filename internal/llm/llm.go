// Package llm is the contract the supervisor and planner use to ask a model
// for the next action or a plan. Backends translate a Request into a
// provider call and return the raw text or tool call; ParseAction turns that
// into a typed Action.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec advertises a callable tool. Parameters is a JSON schema document.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is one model invocation.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
	// JSON asks the backend to constrain the reply to a JSON document.
	JSON bool
}

// ToolCall is a structured function call returned by backends that support
// native tool calling.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage reports token counts when the backend provides them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is either free text or a tool call.
type Response struct {
	Content  string    `json:"content,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    Usage     `json:"usage"`
}

// Client invokes a model. Implementations are not assumed idempotent.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Client.
type Func func(ctx context.Context, req Request) (*Response, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Disabled rejects every call. It backs deployments without a model, where
// runs fail planning with a clear error.
type Disabled struct{}

// Complete always fails.
func (Disabled) Complete(context.Context, Request) (*Response, error) {
	return nil, errs.New(errs.NonRetryableToolError, "no llm provider is configured")
}

// New builds the backend named by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return Disabled{}, nil
	case "gemini":
		return NewGemini(ctx, cfg)
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// statusError maps a provider HTTP status onto the error taxonomy.
func statusError(provider string, status int, body string) error {
	msg := fmt.Sprintf("%s returned status %d: %s", provider, status, truncate(body, 512))
	switch {
	case status == 429 || status == 408 || status >= 500:
		return errs.New(errs.RetryableToolError, "%s", msg)
	default:
		return errs.New(errs.NonRetryableToolError, "%s", msg)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
