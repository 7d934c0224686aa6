package statemachine

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// Event drives a run transition.
type Event string

const (
	EventEnqueue        Event = "Enqueue"
	EventStart          Event = "Start"
	EventPlanReady      Event = "PlanReady"
	EventPlanFailed     Event = "PlanFailed"
	EventStepCompleted  Event = "StepCompleted"
	EventStepFailed     Event = "StepFailed"
	EventStepErrored    Event = "StepErrored"
	EventGoalAchieved   Event = "GoalAchieved"
	EventPhaseCompleted Event = "PhaseCompleted"
	EventPlanRepaired   Event = "PlanRepaired"
	EventCheckpointed   Event = "Checkpointed"
	EventNeedUserInput  Event = "NeedUserInput"
	EventUserInput      Event = "UserInput"
	EventPause          Event = "Pause"
	EventResume         Event = "Resume"
	EventCancel         Event = "Cancel"
	EventTimeout        Event = "Timeout"
)

// OutboxType is the event name published downstream, e.g. run.step_completed.
func (e Event) OutboxType() string {
	var b strings.Builder
	b.WriteString("run.")
	for i, r := range string(e) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Input carries the data an event needs. Fields irrelevant to an event are
// ignored.
type Input struct {
	Event Event

	// Step is recorded by StepCompleted, StepFailed, StepErrored and
	// UserInput. Its SequenceNumber must be the run's step_count+1; a lower
	// number means the step was already applied and the event is a no-op.
	// UserInput assigns the number itself.
	Step *models.Step
	// Plan is stored by PlanReady and PlanRepaired.
	Plan *models.Plan
	// PhaseID names the phase PhaseCompleted closes.
	PhaseID string
	// Error is stored by failing events.
	Error *models.RunError
	// Result is stored when the run completes.
	Result json.RawMessage
	// Prompt is the question for NeedUserInput.
	Prompt string
	// Checkpoint is written by StepCompleted, Checkpointed, Pause and Timeout.
	Checkpoint *models.Checkpoint
	// Reason annotates plan revisions and cancellations.
	Reason string
}

// nonTerminal is every state Cancel is accepted from.
var nonTerminal = []models.RunStatus{
	models.RunPending, models.RunQueued, models.RunPlanning,
	models.RunExecuting, models.RunPaused, models.RunWaitingUser,
}

type transition struct {
	from  []models.RunStatus
	apply func(m *Machine, t *txn) error
}

func (tr transition) allows(s models.RunStatus) bool {
	for _, f := range tr.from {
		if f == s {
			return true
		}
	}
	return false
}

var transitions map[Event]transition

func init() {
	executing := []models.RunStatus{models.RunExecuting}
	transitions = map[Event]transition{
		EventEnqueue:        {from: []models.RunStatus{models.RunPending}, apply: (*Machine).enqueue},
		EventStart:          {from: []models.RunStatus{models.RunQueued}, apply: (*Machine).start},
		EventPlanReady:      {from: []models.RunStatus{models.RunPlanning}, apply: (*Machine).planReady},
		EventPlanFailed:     {from: []models.RunStatus{models.RunPlanning}, apply: (*Machine).planFailed},
		EventStepCompleted:  {from: executing, apply: (*Machine).stepCompleted},
		EventStepFailed:     {from: executing, apply: (*Machine).stepFailed},
		EventStepErrored:    {from: executing, apply: (*Machine).stepErrored},
		EventGoalAchieved:   {from: executing, apply: (*Machine).goalAchieved},
		EventPhaseCompleted: {from: executing, apply: (*Machine).phaseCompleted},
		EventPlanRepaired:   {from: executing, apply: (*Machine).planRepaired},
		EventCheckpointed:   {from: executing, apply: (*Machine).checkpointed},
		EventNeedUserInput:  {from: executing, apply: (*Machine).needUserInput},
		EventUserInput:      {from: []models.RunStatus{models.RunWaitingUser}, apply: (*Machine).userInput},
		EventPause:          {from: executing, apply: (*Machine).pause},
		EventResume:         {from: []models.RunStatus{models.RunPaused}, apply: (*Machine).resume},
		EventCancel:         {from: nonTerminal, apply: (*Machine).cancel},
		EventTimeout: {
			from:  []models.RunStatus{models.RunExecuting, models.RunPlanning, models.RunWaitingUser, models.RunPaused},
			apply: (*Machine).timeout,
		},
	}
}

// Allowed reports whether event is accepted in status.
func Allowed(status models.RunStatus, event Event) bool {
	tr, ok := transitions[event]
	return ok && tr.allows(status)
}
