package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunQueued      RunStatus = "queued"
	RunPlanning    RunStatus = "planning"
	RunExecuting   RunStatus = "executing"
	RunPaused      RunStatus = "paused"
	RunWaitingUser RunStatus = "waiting_user"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
	RunTimeout     RunStatus = "timeout"
)

// AllRunStatuses lists every status in lifecycle order.
var AllRunStatuses = []RunStatus{
	RunPending, RunQueued, RunPlanning, RunExecuting, RunPaused, RunWaitingUser,
	RunCompleted, RunFailed, RunCancelled, RunTimeout,
}

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// RunError is the structured failure attached to failed and timed out runs.
type RunError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Run is one end-to-end execution of a submitted task.
type Run struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	UserID   string    `json:"user_id"`
	Status   RunStatus `json:"status"`
	Prompt   string    `json:"prompt"`
	Plan     *Plan     `json:"plan,omitempty"`

	StepCount       int64 `json:"step_count"`
	MaxSteps        int64 `json:"max_steps"`
	CreditsReserved int64 `json:"credits_reserved"`
	CreditsConsumed int64 `json:"credits_consumed"`
	MaxCredits      int64 `json:"max_credits"`

	RetryCount        int `json:"retry_count"`
	MaxRetries        int `json:"max_retries"`
	ConsecutiveErrors int `json:"consecutive_errors"`

	CheckpointID string          `json:"checkpoint_id,omitempty"`
	SandboxID    string          `json:"sandbox_id,omitempty"`
	PendingInput string          `json:"pending_input,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *RunError       `json:"error,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	TimeoutAt       time.Time `json:"timeout_at,omitempty"`
	StatusEnteredAt time.Time `json:"status_entered_at"`
	LastProgressAt  time.Time `json:"last_progress_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy so transition handlers can build the next state
// without touching the state they read.
func (r *Run) Clone() *Run {
	c := *r
	if r.Plan != nil {
		c.Plan = r.Plan.Clone()
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}

// RemainingCredits is what is left of the reservation.
func (r *Run) RemainingCredits() int64 {
	return r.CreditsReserved - r.CreditsConsumed
}

// CurrentPhase returns the active phase, or nil when no plan is stored.
func (r *Run) CurrentPhase() *Phase {
	if r.Plan == nil {
		return nil
	}
	return r.Plan.CurrentPhase()
}
