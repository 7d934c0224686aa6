package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float32
	client      *http.Client
}

// NewOpenAI creates an OpenAI-compatible backend.
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	return &OpenAI{
		endpoint:    strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chatTool struct {
	Type     string   `json:"type"`
	Function ToolSpec `json:"function"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float32         `json:"temperature,omitempty"`
	Tools          []chatTool      `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends a chat completion request.
func (p *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	body := chatRequest{Model: p.model, Temperature: p.temperature}
	if req.System != "" {
		body.Messages = append(body.Messages, Message{Role: RoleSystem, Content: req.System})
	}
	body.Messages = append(body.Messages, req.Messages...)
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, chatTool{Type: "function", Function: t})
	}
	if req.JSON && len(req.Tools) == 0 {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, err, "llm request did not finish")
		}
		return nil, errs.Wrap(errs.RetryableToolError, err, "failed to send llm request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.RetryableToolError, err, "failed to read llm response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("openai", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errs.Wrap(errs.RetryableToolError, err, "failed to unmarshal llm response")
	}
	if len(parsed.Choices) == 0 {
		return nil, errs.New(errs.RetryableToolError, "llm response has no choices")
	}

	msg := parsed.Choices[0].Message
	out := &Response{
		Content: msg.Content,
		Usage:   Usage{PromptTokens: parsed.Usage.PromptTokens, CompletionTokens: parsed.Usage.CompletionTokens},
	}
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0].Function
		args := json.RawMessage(call.Arguments)
		if strings.TrimSpace(call.Arguments) == "" {
			args = json.RawMessage(`{}`)
		}
		if !json.Valid(args) {
			return nil, errs.New(errs.ValidationError, "tool call %s has malformed arguments", call.Name)
		}
		out.ToolCall = &ToolCall{Name: call.Name, Args: args}
	}
	return out, nil
}
