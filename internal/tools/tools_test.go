package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/idempotency"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

func newTestRouter(t *testing.T, tools ...Tool) *Router {
	t.Helper()
	store := kv.NewMemory(0)
	t.Cleanup(func() { store.Close() })

	reg := NewRegistry()
	reg.MustRegister(tools...)
	exec := idempotency.New(store, idempotency.Options{
		KeyTTL:       time.Hour,
		DedupeWindow: time.Hour,
		CacheResult:  true,
		ErrorTTL:     time.Minute,
	}, nil, nil)
	return NewRouter(reg, exec, queue.NewRateLimiter(store), config.ToolsConfig{DefaultTimeout: time.Second}, nil, nil)
}

func counting(calls *int32, out string, err error) Handler {
	return func(context.Context, Call) (json.RawMessage, error) {
		atomic.AddInt32(calls, 1)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(out), nil
	}
}

func TestIdempotencyKey_NormalizesParams(t *testing.T) {
	a, err := IdempotencyKey("run-1", "search", json.RawMessage(`{"q":"go","limit":5}`))
	require.NoError(t, err)
	b, err := IdempotencyKey("run-1", "search", json.RawMessage("{ \"limit\": 5,\n \"q\": \"go\" }"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := IdempotencyKey("run-2", "search", json.RawMessage(`{"q":"go","limit":5}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	empty, err := IdempotencyKey("run-1", "search", nil)
	require.NoError(t, err)
	braces, err := IdempotencyKey("run-1", "search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, empty, braces)

	_, err = IdempotencyKey("run-1", "search", json.RawMessage(`{`))
	assert.True(t, errs.Is(err, errs.ValidationError))
}

func TestRegistry_RegisterAndSpecs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Tool{Name: "search", Handler: counting(new(int32), `1`, nil)}))
	require.NoError(t, reg.Register(Tool{Name: "write_file", Handler: counting(new(int32), `1`, nil)}))

	assert.Error(t, reg.Register(Tool{Name: "search", Handler: counting(new(int32), `1`, nil)}), "duplicate")
	assert.Error(t, reg.Register(Tool{Name: "Bad Name", Handler: counting(new(int32), `1`, nil)}))
	assert.Error(t, reg.Register(Tool{Name: "nohandler"}))

	assert.Equal(t, []string{"search", "write_file"}, reg.Names())
	specs := reg.Specs([]string{"write_file", "missing"})
	require.Len(t, specs, 1)
	assert.Equal(t, "write_file", specs[0].Name)

	reg.ApplyOverrides(map[string]config.ToolOverride{"search": {Cost: 9, Timeout: time.Minute}})
	tool, ok := reg.Lookup("search")
	require.True(t, ok)
	assert.Equal(t, int64(9), tool.Cost)
	assert.Equal(t, time.Minute, tool.Timeout)
}

func TestRouter_ExecutesOncePerKey(t *testing.T) {
	ctx := context.Background()
	var calls int32
	r := newTestRouter(t, Tool{Name: "search", Cost: 3, Handler: counting(&calls, `{"hits":2}`, nil)})

	call := Call{RunID: "run-1", Tool: "search", Params: json.RawMessage(`{"q":"x"}`)}
	first, err := r.Execute(ctx, call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":2}`, string(first.Output))
	assert.Equal(t, int64(3), first.Cost)

	second, err := r.Execute(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
	assert.JSONEq(t, `{"hits":2}`, string(second.Output))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	other := call
	other.Params = json.RawMessage(`{"q":"y"}`)
	_, err = r.Execute(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRouter_CachedFailureUntilForgotten(t *testing.T) {
	ctx := context.Background()
	var calls int32
	fail := errs.New(errs.RetryableToolError, "upstream 503")
	r := newTestRouter(t, Tool{Name: "search", Handler: counting(&calls, ``, fail)})
	call := Call{RunID: "run-1", Tool: "search", Params: json.RawMessage(`{}`)}

	_, err := r.Execute(ctx, call)
	assert.True(t, errs.Is(err, errs.RetryableToolError))
	_, err = r.Execute(ctx, call)
	assert.True(t, errs.Is(err, errs.RetryableToolError))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "duplicate retry replays the cached error")

	require.NoError(t, r.Forget(ctx, call))
	_, err = r.Execute(ctx, call)
	assert.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRouter_Classification(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t,
		Tool{Name: "slow", Timeout: 20 * time.Millisecond, Handler: func(ctx context.Context, _ Call) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		Tool{Name: "flaky", Handler: func(context.Context, Call) (json.RawMessage, error) {
			return nil, errors.New("dial tcp: connection refused")
		}},
		Tool{Name: "broken", Handler: func(context.Context, Call) (json.RawMessage, error) {
			return nil, errors.New("permission denied")
		}},
		Tool{Name: "panics", Handler: func(context.Context, Call) (json.RawMessage, error) {
			panic("boom")
		}},
		Tool{Name: "garbage", Handler: func(context.Context, Call) (json.RawMessage, error) {
			return json.RawMessage(`{not json`), nil
		}},
		Tool{
			Name:    "strict",
			Schema:  json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
			Handler: counting(new(int32), `true`, nil),
		},
	)

	tests := []struct {
		tool   string
		params string
		want   errs.Code
	}{
		{"slow", `{}`, errs.RetryableToolError},
		{"flaky", `{}`, errs.RetryableToolError},
		{"broken", `{}`, errs.NonRetryableToolError},
		{"panics", `{}`, errs.NonRetryableToolError},
		{"garbage", `{}`, errs.NonRetryableToolError},
		{"strict", `{"path": 7}`, errs.ValidationError},
		{"strict", `{}`, errs.ValidationError},
		{"missing", `{}`, errs.ValidationError},
	}
	for _, tt := range tests {
		_, err := r.Execute(ctx, Call{RunID: "run-1", Tool: tt.tool, Params: json.RawMessage(tt.params)})
		require.Error(t, err, tt.tool)
		assert.Equal(t, tt.want, errs.CodeOf(err), "%s %s", tt.tool, tt.params)
	}

	res, err := r.Execute(ctx, Call{RunID: "run-1", Tool: "strict", Params: json.RawMessage(`{"path":"a"}`)})
	require.NoError(t, err)
	assert.Equal(t, "true", string(res.Output))
}

func TestRouter_RateLimit(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, Tool{
		Name:      "search",
		RateLimit: config.RateLimitConfig{Limit: 2, Per: time.Minute},
		Handler:   counting(new(int32), `1`, nil),
	})

	for i, q := range []string{`{"q":1}`, `{"q":2}`} {
		_, err := r.Execute(ctx, Call{RunID: "run-1", Tool: "search", Params: json.RawMessage(q)})
		require.NoError(t, err, "call %d", i)
	}
	_, err := r.Execute(ctx, Call{RunID: "run-1", Tool: "search", Params: json.RawMessage(`{"q":3}`)})
	assert.True(t, errs.Is(err, errs.RateLimited))
	assert.True(t, errs.IsRetryable(err))
}

func TestBuiltins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	ctx := context.Background()
	r := newTestRouter(t, Builtins()...)

	res, err := r.Execute(ctx, Call{RunID: "run-1", Tool: "note", Params: json.RawMessage(`{"text":"found it"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"found it"}`, string(res.Output))

	res, err = r.Execute(ctx, Call{RunID: "run-1", Tool: "fetch_url", Params: json.RawMessage(`{"url":"` + srv.URL + `/ok"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"body":"hello","truncated":false}`, string(res.Output))
	assert.Equal(t, int64(2), res.Cost)

	_, err = r.Execute(ctx, Call{RunID: "run-1", Tool: "fetch_url", Params: json.RawMessage(`{"url":"` + srv.URL + `/down"}`)})
	assert.True(t, errs.Is(err, errs.RetryableToolError))

	_, err = r.Execute(ctx, Call{RunID: "run-1", Tool: "fetch_url", Params: json.RawMessage(`{"url":"ftp://x"}`)})
	assert.True(t, errs.Is(err, errs.ValidationError))
}

func TestLocalSandbox(t *testing.T) {
	ctx := context.Background()
	s := NewLocalSandbox()

	a, err := s.Acquire(ctx, "run-1")
	require.NoError(t, err)
	again, err := s.Acquire(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	_, err = s.Acquire(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Active())

	require.NoError(t, s.Release(ctx, a))
	require.NoError(t, s.Release(ctx, a))
	assert.Equal(t, 1, s.Active())
}
