// Package kv provides the shared store behind rate limiters, backpressure
// state, idempotency results and locks. Every key is namespaced and carries
// a TTL so multiple runcore instances share one view without leaking state.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// ErrNotFound is returned by Get for absent or expired keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is the shared atomic key/value contract.
type Store interface {
	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with ttl. Zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only if it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	// IncrBy atomically adds delta and returns the new value. The ttl is
	// applied when the counter is created.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// GetInt returns a counter value, zero when absent.
	GetInt(ctx context.Context, key string) (int64, error)
	Close() error
}

// New builds the store selected by cfg.
func New(ctx context.Context, cfg config.KVConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "redis":
		s, err = NewRedis(ctx, cfg.RedisURL)
	case "memory", "":
		s = NewMemory(time.Minute)
	default:
		return nil, fmt.Errorf("unsupported kv backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Prefix != "" {
		s = WithPrefix(s, cfg.Prefix)
	}
	return s, nil
}

type prefixed struct {
	Store
	prefix string
}

// WithPrefix namespaces every key of s under prefix.
func WithPrefix(s Store, prefix string) Store {
	return &prefixed{Store: s, prefix: prefix + ":"}
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.Store.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.Store.Set(ctx, p.prefix+key, value, ttl)
}

func (p *prefixed) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return p.Store.SetNX(ctx, p.prefix+key, value, ttl)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.Store.Delete(ctx, p.prefix+key)
}

func (p *prefixed) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	return p.Store.CompareAndDelete(ctx, p.prefix+key, value)
}

func (p *prefixed) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return p.Store.IncrBy(ctx, p.prefix+key, delta, ttl)
}

func (p *prefixed) GetInt(ctx context.Context, key string) (int64, error) {
	return p.Store.GetInt(ctx, p.prefix+key)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
	_ Store = (*prefixed)(nil)
)
