package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// JobAttempt records one handler invocation.
type JobAttempt struct {
	Attempt    int       `json:"attempt"`
	WorkerID   string    `json:"worker_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Job is a queued unit of dispatch.
type Job struct {
	ID                string          `json:"id"`
	Queue             string          `json:"queue"`
	Type              string          `json:"type"`
	RunID             string          `json:"run_id,omitempty"`
	StepID            string          `json:"step_id,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Priority          int             `json:"priority"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Status            JobStatus       `json:"status"`
	AttemptsMade      int             `json:"attempts_made"`
	MaxAttempts       int             `json:"max_attempts"`
	ReprocessAttempts int             `json:"reprocess_attempts"`
	History           []JobAttempt    `json:"history,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	RunAt             time.Time       `json:"run_at"`
	LockedBy          string          `json:"locked_by,omitempty"`
	LockedUntil       time.Time       `json:"locked_until,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       time.Time       `json:"completed_at,omitempty"`
}

// DeadLetterStatus tracks operator handling of a dead-lettered job.
type DeadLetterStatus string

const (
	DeadLetterPending     DeadLetterStatus = "dead"
	DeadLetterReprocessed DeadLetterStatus = "reprocessed"
)

// DeadLetter holds a job that exhausted its retries, with its full attempt history.
type DeadLetter struct {
	ID                string           `json:"id"`
	JobID             string           `json:"job_id"`
	Queue             string           `json:"queue"`
	Type              string           `json:"type"`
	RunID             string           `json:"run_id,omitempty"`
	IdempotencyKey    string           `json:"idempotency_key"`
	Priority          int              `json:"priority"`
	Payload           json.RawMessage  `json:"payload,omitempty"`
	Error             string           `json:"error"`
	History           []JobAttempt     `json:"history"`
	AttemptsMade      int              `json:"attempts_made"`
	ReprocessAttempts int              `json:"reprocess_attempts"`
	Status            DeadLetterStatus `json:"status"`
	FailedAt          time.Time        `json:"failed_at"`
	ReprocessedAt     time.Time        `json:"reprocessed_at,omitempty"`
	ReprocessedJobID  string           `json:"reprocessed_job_id,omitempty"`
}
