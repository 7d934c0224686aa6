package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	Queue          string
	Type           string
	RunID          string
	StepID         string
	IdempotencyKey string
	Priority       int
	// Payload is JSON encoded unless it is already json.RawMessage.
	Payload any
	// Delay postpones the first attempt.
	Delay time.Duration
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	JobID string
	// Deduplicated is true when an existing job already held the key.
	Deduplicated bool
	// Delay is the backpressure slowdown applied to the job's start.
	Delay time.Duration
	Level Level
}

// Enqueue adds a job outside of any caller transaction.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	return m.EnqueueTx(ctx, m.db.Store(), req)
}

// EnqueueTx adds a job through s, so it commits or rolls back with the
// caller's transaction. A job already queued or running with the same key,
// or one completed within the dedupe window, is returned instead.
func (m *Manager) EnqueueTx(ctx context.Context, s *database.Store, req EnqueueRequest) (*EnqueueResult, error) {
	if req.IdempotencyKey == "" {
		return nil, errs.New(errs.ValidationError, "enqueue on %s requires an idempotency key", req.Queue)
	}
	if req.Type == "" {
		return nil, errs.New(errs.ValidationError, "enqueue on %s requires a job type", req.Queue)
	}
	cfg, err := m.Config(req.Queue)
	if err != nil {
		return nil, err
	}
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "payload for %s is not encodable", req.Type)
	}

	now := m.now()
	if existing, err := s.FindJobByKey(ctx, req.Queue, req.IdempotencyKey, now.Add(-m.dedupeWindow)); err == nil {
		m.metrics.RecordEnqueue(req.Queue, req.Type, "deduplicated")
		return &EnqueueResult{JobID: existing.ID, Deduplicated: true}, nil
	} else if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	ok, err := m.limiter.Allow(ctx, "queue:"+req.Queue, cfg.RateLimit.Limit, cfg.RateLimit.Per)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.metrics.RecordEnqueue(req.Queue, req.Type, "rate_limited")
		m.metrics.RecordRateLimited("queue", req.Queue)
		return nil, errs.New(errs.RateLimited, "queue %s exceeded %d jobs per %s", req.Queue, cfg.RateLimit.Limit, cfg.RateLimit.Per)
	}

	depth, err := m.Depth(ctx, s, req.Queue)
	if err != nil {
		return nil, err
	}
	decision, err := m.backpressure(req.Queue).Evaluate(ctx, cfg.Backpressure, depth)
	if err != nil {
		return nil, err
	}
	if decision.Reject {
		m.metrics.RecordEnqueue(req.Queue, req.Type, "rejected")
		return nil, errs.New(errs.BackpressureRejected, "queue %s is at depth %d (critical %d)", req.Queue, depth, cfg.Backpressure.Critical)
	}

	maxAttempts := cfg.Retries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	job := &models.Job{
		ID:             ulid.Make().String(),
		Queue:          req.Queue,
		Type:           req.Type,
		RunID:          req.RunID,
		StepID:         req.StepID,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Payload:        payload,
		Status:         models.JobQueued,
		MaxAttempts:    maxAttempts,
		RunAt:          now.Add(req.Delay + decision.Delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := s.InsertJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.FindJobByKey(ctx, req.Queue, req.IdempotencyKey, now.Add(-m.dedupeWindow))
		if err != nil {
			return nil, fmt.Errorf("job key %s collided but holder vanished: %w", req.IdempotencyKey, err)
		}
		m.metrics.RecordEnqueue(req.Queue, req.Type, "deduplicated")
		return &EnqueueResult{JobID: existing.ID, Deduplicated: true}, nil
	}

	m.metrics.RecordEnqueue(req.Queue, req.Type, "enqueued")
	m.logger.Debug("job enqueued",
		zap.String("queue", req.Queue),
		zap.String("type", req.Type),
		zap.String("job_id", job.ID),
		zap.String("run_id", req.RunID),
		zap.Stringer("backpressure", decision.Level),
		zap.Duration("delay", decision.Delay))
	return &EnqueueResult{JobID: job.ID, Delay: decision.Delay, Level: decision.Level}, nil
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload bytes are not valid JSON")
		}
		return v, nil
	}
	return json.Marshal(p)
}

// DecodePayload unmarshals a job payload into v.
func DecodePayload(job *models.Job, v any) error {
	if len(job.Payload) == 0 {
		return errs.New(errs.ValidationError, "job %s has no payload", job.ID)
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return errs.Wrap(errs.ValidationError, err, "job %s payload is malformed", job.ID)
	}
	return nil
}
