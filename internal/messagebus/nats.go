package messagebus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
)

// NatsBus publishes run events to a JetStream stream.
type NatsBus struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	streamName    string
	subjectPrefix string
	url           string
	logger        *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*nats.Subscription
}

// Config holds NATS configuration
type Config struct {
	URL           string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName    string        // JetStream stream name (default: "RUNCORE")
	SubjectPrefix string        // Subject namespace captured by the stream (default: "runcore")
	Timeout       time.Duration // Connection timeout
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = "nats://localhost:4222"
	}
	if c.StreamName == "" {
		c.StreamName = "RUNCORE"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "runcore"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// NewNatsBus connects to NATS and ensures the event stream exists.
func NewNatsBus(cfg Config, logger *zap.Logger) (*NatsBus, error) {
	cfg.applyDefaults()
	logger = logging.OrNop(logger).Named("messagebus")

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &NatsBus{
		conn:          nc,
		js:            js,
		streamName:    cfg.StreamName,
		subjectPrefix: cfg.SubjectPrefix,
		url:           cfg.URL,
		logger:        logger,
		subscriptions: make(map[string]*nats.Subscription),
	}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", cfg.URL), zap.String("stream", cfg.StreamName))
	return b, nil
}

// ensureStream creates or updates the stream. LimitsPolicy lets several
// consumers read the same run events independently.
func (b *NatsBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       b.streamName,
		Subjects:   []string{b.subjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Discard:    nats.DiscardOld,
		Duplicates: 10 * time.Minute,
	}

	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		b.logger.Info("created JetStream stream", zap.String("stream", b.streamName))
		return nil
	}
	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Subject returns the full subject for an event type.
func (b *NatsBus) Subject(eventType string) string {
	return SubjectFor(b.subjectPrefix, eventType)
}

// SubjectFor joins prefix and an event type into a subject. Characters
// NATS treats as tokens or wildcards are replaced.
func SubjectFor(prefix, eventType string) string {
	r := strings.NewReplacer(" ", "_", "*", "_", ">", "_")
	return prefix + "." + r.Replace(eventType)
}

// Publish sends data and waits for the stream acknowledgement. The message
// id lets JetStream drop duplicates inside the stream's window.
func (b *NatsBus) Publish(ctx context.Context, subject, id string, data []byte) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if id != "" {
		opts = append(opts, nats.MsgId(id))
	}
	if _, err := b.js.Publish(subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// Subscribe attaches a durable consumer. A handler error naks the message
// so it is redelivered.
func (b *NatsBus) Subscribe(subject, consumer string, handler func(subject string, data []byte) error) error {
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			b.logger.Warn("event handler failed", zap.String("subject", msg.Subject), zap.Error(err))
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(consumer),
		nats.AckExplicit(),
		nats.MaxDeliver(5),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subscriptions[subject] = sub
	b.mu.Unlock()
	b.logger.Info("subscribed", zap.String("subject", subject), zap.String("consumer", consumer))
	return nil
}

// Close drops all subscriptions and the connection.
func (b *NatsBus) Close() error {
	b.mu.Lock()
	for subject, sub := range b.subscriptions {
		_ = sub.Unsubscribe()
		delete(b.subscriptions, subject)
	}
	b.mu.Unlock()

	b.conn.Close()
	b.logger.Info("closed NATS connection")
	return nil
}

// Health reports whether the connection and stream are usable.
func (b *NatsBus) Health() error {
	if b.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", b.streamName, err)
	}
	return nil
}

// Stats returns connection and stream statistics.
func (b *NatsBus) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	stats["url"] = b.url
	stats["stream"] = b.streamName
	stats["connected"] = b.conn.IsConnected()
	b.mu.Lock()
	stats["subscriptions"] = len(b.subscriptions)
	b.mu.Unlock()

	if info, err := b.js.StreamInfo(b.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
		stats["stream_consumers"] = info.State.Consumers
	}
	return stats
}
