package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

const maxFetchBytes = 256 << 10

// Builtins returns the tools every deployment ships with.
func Builtins() []Tool {
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return []Tool{
		{
			Name:        "note",
			Description: "Record an intermediate finding. Returns the note.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"text": {"type": "string", "minLength": 1}},
				"required": ["text"],
				"additionalProperties": false
			}`),
			Timeout: time.Second,
			Handler: note,
		},
		{
			Name:        "fetch_url",
			Description: "HTTP GET a URL and return its status and (truncated) body.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"url": {"type": "string", "pattern": "^https?://"}},
				"required": ["url"],
				"additionalProperties": false
			}`),
			Timeout:   20 * time.Second,
			Cost:      2,
			RateLimit: config.RateLimitConfig{Limit: 60, Per: time.Minute},
			Handler:   fetchURL(client),
		},
	}
}

func note(_ context.Context, call Call) (json.RawMessage, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "bad note params")
	}
	return json.Marshal(map[string]string{"note": p.Text})
}

func fetchURL(client *http.Client) Handler {
	return func(ctx context.Context, call Call) (json.RawMessage, error) {
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(call.Params, &p); err != nil {
			return nil, errs.Wrap(errs.ValidationError, err, "bad fetch_url params")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
		if err != nil {
			return nil, errs.Wrap(errs.NonRetryableToolError, err, "bad url %q", p.URL)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", p.URL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.URL, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, errs.New(errs.RetryableToolError, "fetch %s returned %d", p.URL, resp.StatusCode)
		}

		truncated := len(body) > maxFetchBytes
		if truncated {
			body = body[:maxFetchBytes]
		}
		text := string(body)
		if !utf8.ValidString(text) {
			text = strings.ToValidUTF8(text, "�")
		}
		return json.Marshal(map[string]any{
			"status":    resp.StatusCode,
			"body":      text,
			"truncated": truncated,
		})
	}
}
