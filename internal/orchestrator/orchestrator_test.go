package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/llm/llmtest"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/tools"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	events []models.OutboxEvent
	subs   []string
}

func (r *recorder) Publish(_ context.Context, subject, _ string, data []byte) error {
	var ev models.OutboxEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.subs = append(r.subs, subject)
	return nil
}

type fixture struct {
	o       *Orchestrator
	script  *llmtest.Scripted
	sandbox *tools.LocalSandbox
	pub     *recorder
}

func newFixture(t *testing.T, replies ...llmtest.Reply) *fixture {
	t.Helper()
	db, err := database.OpenMemory("orch_" + ulid.Make().String())
	require.NoError(t, err)
	store := kv.NewMemory(0)
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})

	f := &fixture{script: llmtest.New(replies...), sandbox: tools.NewLocalSandbox(), pub: &recorder{}}
	cfg := config.DefaultConfig()
	o, err := New(context.Background(), cfg, Deps{
		DB:        db,
		KV:        store,
		LLM:       f.script,
		Sandbox:   f.sandbox,
		Publisher: f.pub,
		Tools: []tools.Tool{{
			Name: "echo",
			Cost: 2,
			Handler: func(_ context.Context, c tools.Call) (json.RawMessage, error) {
				return c.Params, nil
			},
		}},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	f.o = o

	_, err = o.Ledger().Grant(context.Background(), db.Store(), "tenant", 100, "seed")
	require.NoError(t, err)
	return f
}

// drain processes due jobs on every queue until none are left.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		progressed := false
		for _, q := range f.o.Queues().Queues() {
			ok, err := f.o.Queues().ProcessNext(ctx, q, "test-worker")
			require.NoError(t, err)
			progressed = progressed || ok
		}
		if !progressed {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func onePhasePlan() llmtest.Reply {
	return llmtest.JSON(map[string]any{
		"goal": "echo something",
		"phases": []map[string]any{
			{"id": "work", "title": "Work", "capabilities": []string{"echo"}},
		},
	})
}

func TestOrchestrator_RunsSubmittedRunToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		onePhasePlan(),
		llmtest.Tool("echo", map[string]string{"text": "hi"}),
		llmtest.JSON(map[string]any{"action": "goal_achieved", "result": map[string]string{"said": "hi"}}),
	)

	run, err := f.o.Submit(ctx, SubmitRequest{TenantID: "tenant", Prompt: "say hi", MaxCredits: 50})
	require.NoError(t, err)
	require.Equal(t, models.RunQueued, run.Status)
	require.NotEmpty(t, run.SandboxID)
	assert.Equal(t, 1, f.sandbox.Active())

	f.drain(t)

	view, err := f.o.Status(ctx, run.ID, 10)
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, view.Run.Status)
	assert.JSONEq(t, `{"said":"hi"}`, string(view.Run.Result))
	require.Len(t, view.Steps, 1)
	assert.Equal(t, "echo", view.Steps[0].Tool)
	assert.Equal(t, 0, f.sandbox.Active(), "cleanup releases the sandbox")

	bal, err := f.o.Ledger().Balance(ctx, f.o.DB().Store(), "tenant")
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal.Consumed, "tool cost plus model call")
	assert.Equal(t, int64(97), bal.Available)
	assert.Zero(t, bal.Reserved)

	n, err := f.o.Relay().RelayOnce(ctx)
	require.NoError(t, err)
	require.NotZero(t, n)

	assert.Equal(t, "runcore.run.created", f.pub.subs[0])
	last := f.pub.events[len(f.pub.events)-1]
	assert.Equal(t, models.RunCompleted, last.ToStatus)
	for i := 1; i < len(f.pub.events); i++ {
		assert.Greater(t, f.pub.events[i].RunVersion, f.pub.events[i-1].RunVersion, "events arrive in version order")
	}
}

func TestOrchestrator_PendingRunCanBeCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	run, err := f.o.Submit(ctx, SubmitRequest{TenantID: "tenant", Prompt: "too big", MaxCredits: 500})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InsufficientCredits))
	require.NotNil(t, run)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, 1, f.sandbox.Active())

	run, err = f.o.Cancel(ctx, run.ID, "user gave up")
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)

	f.drain(t)
	assert.Equal(t, 0, f.sandbox.Active())
	assert.Empty(t, f.script.Calls(), "a cancelled run never plans")
}

func TestOrchestrator_RespondValidatesInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.o.Respond(ctx, "missing", "")
	assert.True(t, errs.Is(err, errs.ValidationError))

	run, err := f.o.Submit(ctx, SubmitRequest{TenantID: "tenant", Prompt: "p", MaxCredits: 10})
	require.NoError(t, err)
	_, err = f.o.Respond(ctx, run.ID, "an answer nobody asked for")
	assert.True(t, errs.Is(err, errs.InvalidTransition))
}

func TestOrchestrator_WaitsForUserAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		onePhasePlan(),
		llmtest.JSON(map[string]any{"action": "need_user_input", "content": "Which greeting?"}),
		llmtest.JSON(map[string]any{"action": "goal_achieved", "content": "done"}),
	)

	run, err := f.o.Submit(ctx, SubmitRequest{TenantID: "tenant", Prompt: "greet", MaxCredits: 20})
	require.NoError(t, err)
	f.drain(t)

	view, err := f.o.Status(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Equal(t, models.RunWaitingUser, view.Run.Status)
	assert.Equal(t, "Which greeting?", view.Run.PendingInput)

	run, err = f.o.Respond(ctx, run.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, models.RunExecuting, run.Status)

	f.drain(t)
	view, err = f.o.Status(ctx, run.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, view.Run.Status)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, models.StepUserInput, view.Steps[0].Type)
}

func TestOrchestrator_ServeStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, f.o.Serve(ctx))
}
