// Package outbox relays run transition events written by the state machine
// to the message bus. Events are published at least once, in version order
// per run; the event id doubles as the broker deduplication key.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/messagebus"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Relay drains undelivered outbox events.
type Relay struct {
	db      *database.Database
	pub     messagebus.Publisher
	prefix  string
	cfg     config.OutboxConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRelay creates a relay publishing under subjectPrefix.
func NewRelay(db *database.Database, pub messagebus.Publisher, subjectPrefix string, cfg config.OutboxConfig, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if subjectPrefix == "" {
		subjectPrefix = "runcore"
	}
	return &Relay{
		db:      db,
		pub:     pub,
		prefix:  subjectPrefix,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("outbox"),
		metrics: m,
		now:     time.Now,
	}
}

// RelayOnce publishes one batch and returns how many events were delivered.
// After a failed publish the rest of that run's events in the batch are
// held back so consumers never see a later version first.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.db.Store().ListUndeliveredEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	blocked := make(map[string]bool)
	delivered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if blocked[ev.RunID] {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return delivered, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}

		subject := messagebus.SubjectFor(r.prefix, ev.EventType)
		if err := r.pub.Publish(ctx, subject, ev.ID, data); err != nil {
			blocked[ev.RunID] = true
			r.metrics.RecordOutbox(false)
			r.logger.Warn("failed to publish event",
				zap.String("event_id", ev.ID),
				zap.String("run_id", ev.RunID),
				zap.Int("attempts", ev.Attempts+1),
				zap.Error(err))
			if err := r.db.Store().RecordEventAttempt(ctx, ev.ID); err != nil {
				return delivered, err
			}
			continue
		}
		if err := r.db.Store().MarkEventDelivered(ctx, ev.ID, r.now()); err != nil {
			return delivered, err
		}
		r.metrics.RecordOutbox(true)
		delivered++
	}
	return delivered, nil
}

// Purge deletes delivered events older than the retention.
func (r *Relay) Purge(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := r.db.Store().PurgeDeliveredEvents(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("purged delivered events", zap.Int64("count", n))
	}
	return n, nil
}

// Run relays on the poll interval until ctx is done. A full batch is
// followed immediately by another.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("relay pass failed", zap.Error(err))
		}
		if err == nil && n >= r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
