package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/llm"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// maxResultChars bounds how much of a tool output is replayed to the model.
const maxResultChars = 4000

// Entry is one message of the context window, tagged with the step that
// produced it.
type Entry struct {
	Seq     int64  `msgpack:"seq"`
	Role    string `msgpack:"role"`
	Content string `msgpack:"content"`
}

// Memory is the supervisor's rolling context window. It is what a
// checkpoint stores.
type Memory struct {
	RunID       string  `msgpack:"run_id"`
	PhaseID     string  `msgpack:"phase_id"`
	PlanVersion int     `msgpack:"plan_version"`
	StepCount   int64   `msgpack:"step_count"`
	Entries     []Entry `msgpack:"entries"`
}

// BuildMemory renders steps into a context window for run.
func BuildMemory(run *models.Run, steps []*models.Step) *Memory {
	mem := &Memory{RunID: run.ID, StepCount: run.StepCount}
	if run.Plan != nil {
		mem.PhaseID = run.Plan.CurrentPhaseID
		mem.PlanVersion = run.Plan.Version
	}
	for _, st := range steps {
		mem.Append(st)
	}
	return mem
}

// Append adds the messages a step contributes.
func (m *Memory) Append(st *models.Step) {
	add := func(role, content string) {
		m.Entries = append(m.Entries, Entry{Seq: st.SequenceNumber, Role: role, Content: content})
	}
	switch st.Type {
	case models.StepThink:
		add(llm.RoleAssistant, st.Content)
	case models.StepToolCall, models.StepToolResult:
		params := string(st.Input)
		if params == "" {
			params = "{}"
		}
		add(llm.RoleAssistant, fmt.Sprintf(`{"action":"tool_call","tool":%q,"params":%s}`, st.Tool, params))
		add(llm.RoleUser, "Result of "+st.Tool+":\n"+truncate(string(st.Output), maxResultChars))
	case models.StepError:
		msg := st.Content
		if st.Error != nil && st.Error.Message != "" {
			msg = st.Error.Message
		}
		add(llm.RoleUser, "Your previous action failed: "+msg+"\nChoose a different action.")
	case models.StepUserInput:
		add(llm.RoleUser, "The user answered: "+st.Content)
	}
	if st.SequenceNumber > m.StepCount {
		m.StepCount = st.SequenceNumber
	}
}

// Trim keeps the entries of the last window steps.
func (m *Memory) Trim(window int) {
	if window <= 0 || len(m.Entries) == 0 {
		return
	}
	cutoff := m.StepCount - int64(window)
	i := 0
	for i < len(m.Entries) && m.Entries[i].Seq <= cutoff {
		i++
	}
	m.Entries = append([]Entry(nil), m.Entries[i:]...)
}

// Messages converts the window into chat messages.
func (m *Memory) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, llm.Message{Role: e.Role, Content: e.Content})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "...(truncated)"
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// EncodeMemory serializes and compresses a context window.
func EncodeMemory(m *Memory) ([]byte, error) {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode memory: %w", err)
	}
	return encoder.EncodeAll(raw, nil), nil
}

// DecodeMemory reverses EncodeMemory.
func DecodeMemory(data []byte) (*Memory, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress memory: %w", err)
	}
	var m Memory
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode memory: %w", err)
	}
	return &m, nil
}

// Snapshotter builds checkpoints from the recorded steps.
type Snapshotter struct {
	window int
}

// NewSnapshotter returns a snapshotter keeping window steps of context.
func NewSnapshotter(window int) *Snapshotter {
	if window <= 0 {
		window = 20
	}
	return &Snapshotter{window: window}
}

// Snapshot captures run's context window using the caller's store.
func (s *Snapshotter) Snapshot(ctx context.Context, store *database.Store, run *models.Run) (*models.Checkpoint, error) {
	steps, err := store.ListSteps(ctx, run.ID, database.StepFilter{Last: s.window})
	if err != nil {
		return nil, err
	}
	return checkpointOf(BuildMemory(run, steps))
}

func checkpointOf(mem *Memory) (*models.Checkpoint, error) {
	data, err := EncodeMemory(mem)
	if err != nil {
		return nil, err
	}
	return &models.Checkpoint{
		RunID:       mem.RunID,
		PhaseID:     mem.PhaseID,
		StepCount:   mem.StepCount,
		PlanVersion: mem.PlanVersion,
		Memory:      data,
	}, nil
}
