package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name     string
		resp     *Response
		wantKind ActionKind
		wantTool string
		wantCode errs.Code
	}{
		{
			name:     "plain json",
			resp:     &Response{Content: `{"action":"tool_call","tool":"search","params":{"q":"go"}}`},
			wantKind: ActionToolCall,
			wantTool: "search",
		},
		{
			name:     "fenced json with prose",
			resp:     &Response{Content: "Sure.\n```json\n{\"action\": \"complete_phase\", \"content\": \"done {ok}\"}\n```"},
			wantKind: ActionCompletePhase,
		},
		{
			name:     "free text is thinking",
			resp:     &Response{Content: "Let me consider the options first."},
			wantKind: ActionThink,
		},
		{
			name:     "native tool call",
			resp:     &Response{ToolCall: &ToolCall{Name: "fetch"}},
			wantKind: ActionToolCall,
			wantTool: "fetch",
		},
		{
			name:     "case insensitive kind",
			resp:     &Response{Content: `{"action":"GOAL_ACHIEVED","result":{"n":1}}`},
			wantKind: ActionGoalAchieved,
		},
		{name: "unknown action", resp: &Response{Content: `{"action":"dance"}`}, wantCode: errs.ValidationError},
		{name: "missing action", resp: &Response{Content: `{"tool":"search"}`}, wantCode: errs.ValidationError},
		{name: "tool call without tool", resp: &Response{Content: `{"action":"tool_call"}`}, wantCode: errs.ValidationError},
		{name: "question without text", resp: &Response{Content: `{"action":"need_user_input"}`}, wantCode: errs.ValidationError},
		{name: "empty", resp: &Response{Content: "  "}, wantCode: errs.ValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAction(tt.resp)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errs.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, a.Kind)
			assert.Equal(t, tt.wantTool, a.Tool)
			if a.Kind == ActionToolCall {
				assert.True(t, json.Valid(a.Params))
			}
		})
	}
}

func TestExtractJSON_SkipsInvalidCandidates(t *testing.T) {
	raw, ok := ExtractJSON(`prefix {not json} then {"a":"}"}`)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":"}"}`, string(raw))

	_, ok = ExtractJSON("no braces here")
	assert.False(t, ok)
}

func TestOpenAI_Complete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[{"function":{"name":"search","arguments":"{\"q\":\"x\"}"}}]}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(config.LLMConfig{Endpoint: srv.URL + "/v1/", APIKey: "secret", Model: "m"})
	resp, err := p.Complete(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []ToolSpec{{Name: "search", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, "search", resp.ToolCall.Name)
	assert.JSONEq(t, `{"q":"x"}`, string(resp.ToolCall.Args))
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 3}, resp.Usage)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Nil(t, got.ResponseFormat, "json mode is off when tools are offered")
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
}

func TestOpenAI_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   errs.Code
	}{
		{http.StatusTooManyRequests, errs.RetryableToolError},
		{http.StatusBadGateway, errs.RetryableToolError},
		{http.StatusUnauthorized, errs.NonRetryableToolError},
		{http.StatusBadRequest, errs.NonRetryableToolError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewOpenAI(config.LLMConfig{Endpoint: srv.URL}).Complete(context.Background(), Request{JSON: true})
		srv.Close()
		assert.Equal(t, tt.want, errs.CodeOf(err), "status %d", tt.status)
	}
}

func TestNew_Providers(t *testing.T) {
	c, err := New(context.Background(), config.LLMConfig{Provider: "none"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), Request{})
	assert.Equal(t, errs.NonRetryableToolError, errs.CodeOf(err))

	_, err = New(context.Background(), config.LLMConfig{Provider: "gemini"})
	assert.Error(t, err, "gemini requires a key")

	_, err = New(context.Background(), config.LLMConfig{Provider: "mystery"})
	assert.Error(t, err)
}
