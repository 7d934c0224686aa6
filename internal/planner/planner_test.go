package planner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/idempotency"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/llm/llmtest"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/tools"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

func newTestPlanner(t *testing.T, script *llmtest.Scripted) *Planner {
	t.Helper()
	store := kv.NewMemory(0)
	t.Cleanup(func() { store.Close() })

	reg := tools.NewRegistry()
	noop := func(context.Context, tools.Call) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
	reg.MustRegister(
		tools.Tool{Name: "search", Description: "web search", Handler: noop},
		tools.Tool{Name: "write", Description: "write a file", Handler: noop},
	)
	exec := idempotency.New(store, idempotency.Options{KeyTTL: time.Hour, DedupeWindow: time.Hour, CacheResult: true}, nil, nil)
	return New(script, reg, exec, Options{Timeout: time.Second, GenerationAttempts: 2, RepairAttempts: 1}, nil, nil)
}

type phase struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Capabilities []string `json:"capabilities"`
}

func planReply(phases ...phase) llmtest.Reply {
	return llmtest.JSON(map[string]any{"goal": "answer the question", "phases": phases})
}

func testRun() *models.Run {
	return &models.Run{ID: "run-1", Prompt: "find and summarize"}
}

func TestGenerate_FirstDraft(t *testing.T) {
	script := llmtest.New(planReply(
		phase{ID: "research", Title: "Research", Capabilities: []string{"search"}},
		phase{ID: "report", Title: "Report", Capabilities: []string{"write"}},
	))
	p := newTestPlanner(t, script)

	plan, err := p.Generate(context.Background(), testRun())
	require.NoError(t, err)

	want := &models.Plan{
		Goal: "answer the question",
		Phases: []models.Phase{
			{ID: "research", Title: "Research", Capabilities: []string{"search"}, Status: models.PhaseActive},
			{ID: "report", Title: "Report", Capabilities: []string{"write"}, Status: models.PhasePending},
		},
		CurrentPhaseID: "research",
		Version:        1,
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}

	calls := script.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].JSON)
	assert.Contains(t, calls[0].System, "- search: web search")
	assert.Contains(t, calls[0].Messages[0].Content, "find and summarize")
}

func TestGenerate_CorrectsInvalidDraft(t *testing.T) {
	script := llmtest.New(
		planReply(phase{ID: "research", Title: "Research", Capabilities: []string{"telepathy"}}),
		planReply(phase{ID: "research", Title: "Research", Capabilities: []string{"search"}}),
	)
	p := newTestPlanner(t, script)

	plan, err := p.Generate(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, "research", plan.CurrentPhaseID)

	calls := script.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Messages, 3)
	assert.Contains(t, calls[1].Messages[2].Content, "telepathy")
}

func TestGenerate_RegeneratesThenGivesUp(t *testing.T) {
	script := llmtest.New(llmtest.Text("I cannot plan this."))
	script.Repeat = true
	p := newTestPlanner(t, script)

	_, err := p.Generate(context.Background(), testRun())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PlanValidationError))
	assert.Len(t, script.Calls(), 4, "two generations with one correction each")
}

func TestGenerate_LLMErrors(t *testing.T) {
	t.Run("fatal error stops planning", func(t *testing.T) {
		script := llmtest.New(llmtest.Fail(errs.New(errs.NonRetryableToolError, "bad key")))
		_, err := newTestPlanner(t, script).Generate(context.Background(), testRun())
		assert.True(t, errs.Is(err, errs.NonRetryableToolError))
		assert.Len(t, script.Calls(), 1)
	})

	t.Run("retryable error moves to a fresh draft", func(t *testing.T) {
		script := llmtest.New(
			llmtest.Fail(errs.New(errs.RetryableToolError, "overloaded")),
			planReply(phase{ID: "only", Title: "Only", Capabilities: []string{}}),
		)
		plan, err := newTestPlanner(t, script).Generate(context.Background(), testRun())
		require.NoError(t, err)
		assert.Equal(t, "only", plan.CurrentPhaseID)
	})
}

func TestGenerate_ReusesCachedAnswer(t *testing.T) {
	script := llmtest.New(planReply(phase{ID: "a", Title: "A", Capabilities: []string{"search"}}))
	p := newTestPlanner(t, script)

	first, err := p.Generate(context.Background(), testRun())
	require.NoError(t, err)
	second, err := p.Generate(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, script.Calls(), 1)
}

func TestRepair_KeepsCompletedPhases(t *testing.T) {
	script := llmtest.New(
		planReply(phase{ID: "research", Title: "Again", Capabilities: []string{"search"}}),
		planReply(
			phase{ID: "narrow-search", Title: "Narrow the search", Capabilities: []string{"search"}},
			phase{ID: "report", Title: "Report", Capabilities: []string{"write"}},
		),
	)
	p := newTestPlanner(t, script)

	run := testRun()
	run.Plan = &models.Plan{
		Goal: "answer the question",
		Phases: []models.Phase{
			{ID: "research", Title: "Research", Capabilities: []string{"search"}, Status: models.PhaseCompleted},
			{ID: "deep-dive", Title: "Deep dive", Capabilities: []string{"search"}, Status: models.PhaseActive},
		},
		CurrentPhaseID: "deep-dive",
		Version:        3,
	}

	plan, err := p.Repair(context.Background(), run, "no progress for 5m")
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Version)
	assert.Equal(t, "narrow-search", plan.CurrentPhaseID)
	require.Len(t, plan.Phases, 3)
	assert.Equal(t, models.PhaseCompleted, plan.Phases[0].Status)
	assert.Equal(t, models.PhaseActive, plan.Phases[1].Status)
	assert.Equal(t, models.PhasePending, plan.Phases[2].Status)

	calls := script.Calls()
	require.Len(t, calls, 2, "reusing a completed phase id is corrected")
	assert.Contains(t, calls[0].Messages[0].Content, "no progress for 5m")
	assert.Contains(t, calls[1].Messages[2].Content, "already completed")
}

func TestRepair_RequiresPlan(t *testing.T) {
	_, err := newTestPlanner(t, llmtest.New()).Repair(context.Background(), testRun(), "x")
	assert.True(t, errs.Is(err, errs.PlanValidationError))
}

func TestValidate(t *testing.T) {
	p := newTestPlanner(t, llmtest.New())
	valid := func() *models.Plan {
		return &models.Plan{
			Goal: "g",
			Phases: []models.Phase{
				{ID: "a", Title: "A", Capabilities: []string{"search"}},
				{ID: "b", Title: "B"},
			},
		}
	}
	require.NoError(t, p.Validate(valid()))

	tests := map[string]func(*models.Plan){
		"no goal":         func(pl *models.Plan) { pl.Goal = "" },
		"no phases":       func(pl *models.Plan) { pl.Phases = nil },
		"duplicate id":    func(pl *models.Plan) { pl.Phases[1].ID = "a" },
		"bad id":          func(pl *models.Plan) { pl.Phases[0].ID = "Has Spaces" },
		"unknown tool":    func(pl *models.Plan) { pl.Phases[0].Capabilities = []string{"rm_rf"} },
		"missing current": func(pl *models.Plan) { pl.CurrentPhaseID = "z" },
		"untitled phase":  func(pl *models.Plan) { pl.Phases[0].Title = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			pl := valid()
			mutate(pl)
			err := p.Validate(pl)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.PlanValidationError))
		})
	}
}
