package models

import (
	"encoding/json"
	"time"
)

// StepType classifies a recorded step.
type StepType string

const (
	StepThink      StepType = "think"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepError      StepType = "error"
	StepCheckpoint StepType = "checkpoint"
	StepUserInput  StepType = "user_input"
)

// Step is an immutable record of one executed action within a run.
// SequenceNumber is unique per run and contiguous from 1.
type Step struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	SequenceNumber int64           `json:"sequence_number"`
	PhaseID        string          `json:"phase_id"`
	PlanVersion    int             `json:"plan_version"`
	Type           StepType        `json:"type"`
	Tool           string          `json:"tool,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Content        string          `json:"content,omitempty"`
	Error          *RunError       `json:"error,omitempty"`
	Credits        int64           `json:"credits"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Duration       time.Duration   `json:"duration"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Checkpoint is a snapshot of supervisor state used to resume a run.
// Memory holds the encoded and compressed context window.
type Checkpoint struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	PhaseID     string    `json:"phase_id"`
	StepCount   int64     `json:"step_count"`
	PlanVersion int       `json:"plan_version"`
	Memory      []byte    `json:"memory"`
	CreatedAt   time.Time `json:"created_at"`
}

// OutboxEvent is appended in the same write as the transition it describes.
type OutboxEvent struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	TenantID    string          `json:"tenant_id"`
	RunVersion  int64           `json:"run_version"`
	EventType   string          `json:"event_type"`
	FromStatus  RunStatus       `json:"from_status,omitempty"`
	ToStatus    RunStatus       `json:"to_status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt time.Time       `json:"delivered_at,omitempty"`
	Attempts    int             `json:"attempts"`
}
