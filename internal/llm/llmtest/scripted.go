// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/llm"
)

// Reply is one scripted answer.
type Reply struct {
	Text     string
	ToolCall *llm.ToolCall
	Err      error
}

// Text is a reply of plain text.
func Text(s string) Reply { return Reply{Text: s} }

// JSON marshals v into a text reply.
func JSON(v any) Reply {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Reply{Text: string(raw)}
}

// Tool is a reply that calls tool with params.
func Tool(name string, params any) Reply {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	return Reply{ToolCall: &llm.ToolCall{Name: name, Args: raw}}
}

// Fail is a reply that returns err.
func Fail(err error) Reply { return Reply{Err: err} }

// Scripted answers calls in order. Once the script runs out, the last reply
// repeats if Repeat is set; otherwise calls fail.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	next    int
	calls   []llm.Request
	Repeat  bool
}

// New returns a client that plays replies in order.
func New(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Push appends replies to the script.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Complete returns the next scripted reply.
func (s *Scripted) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var r Reply
	switch {
	case s.next < len(s.replies):
		r = s.replies[s.next]
		s.next++
	case s.Repeat && len(s.replies) > 0:
		r = s.replies[len(s.replies)-1]
	default:
		return nil, errs.New(errs.NonRetryableToolError, "llm script exhausted after %d calls", len(s.calls)-1)
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.Response{Content: r.Text, ToolCall: r.ToolCall}, nil
}

// Calls returns the requests received so far.
func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.calls...)
}
