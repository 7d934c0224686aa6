package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Gemini is the Google Gemini backend.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGemini creates a Gemini backend.
func NewGemini(ctx context.Context, cfg config.LLMConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, model: model, temperature: cfg.Temperature}, nil
}

// Complete sends one GenerateContent call. Tools are declared as native
// function declarations; JSON mode is only used when no tools are offered.
func (g *Gemini) Complete(ctx context.Context, req Request) (*Response, error) {
	temp := g.temperature
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 {
				var schema any
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return nil, errs.Wrap(errs.ValidationError, err, "tool %s has an invalid schema", t.Name)
				}
				decl.ParametersJsonSchema = schema
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	} else if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, geminiContents(req.Messages), cfg)
	if err != nil {
		return nil, classifyGenAI(ctx, err)
	}

	out := &Response{Content: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if calls := resp.FunctionCalls(); len(calls) > 0 {
		args, err := json.Marshal(calls[0].Args)
		if err != nil {
			return nil, errs.Wrap(errs.ValidationError, err, "tool call %s has unencodable arguments", calls[0].Name)
		}
		out.ToolCall = &ToolCall{Name: calls[0].Name, Args: args}
	}
	return out, nil
}

// geminiContents maps the conversation onto gemini's two roles. System
// messages travel as user turns; the system instruction is set separately.
func geminiContents(msgs []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

func classifyGenAI(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.Timeout, err, "gemini request did not finish")
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusError("gemini", apiErr.Code, apiErr.Message)
	}
	if errs.IsTransient(err.Error()) {
		return errs.Wrap(errs.RetryableToolError, err, "gemini request failed")
	}
	return errs.Wrap(errs.NonRetryableToolError, err, "gemini request failed")
}
