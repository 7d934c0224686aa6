package tools

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Sandbox provisions the isolated environment tools run in. Release must be
// idempotent: the cleanup job may run it more than once.
type Sandbox interface {
	Acquire(ctx context.Context, runID string) (string, error)
	Release(ctx context.Context, sandboxID string) error
}

// LocalSandbox hands out in-process sandbox ids. It backs single-node
// deployments and tests.
type LocalSandbox struct {
	mu     sync.Mutex
	active map[string]string
}

// NewLocalSandbox creates a LocalSandbox.
func NewLocalSandbox() *LocalSandbox {
	return &LocalSandbox{active: map[string]string{}}
}

// Acquire returns the run's sandbox, creating one on first use.
func (s *LocalSandbox) Acquire(_ context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, owner := range s.active {
		if owner == runID {
			return id, nil
		}
	}
	id := "sbx-" + uuid.NewString()
	s.active[id] = runID
	return id, nil
}

// Release forgets the sandbox.
func (s *LocalSandbox) Release(_ context.Context, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sandboxID)
	return nil
}

// Active reports how many sandboxes are held.
func (s *LocalSandbox) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
