package temporal

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/detector"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/temporal/activities"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

func temporalRequired() bool {
	value := strings.ToLower(os.Getenv("TEMPORAL_REQUIRED"))
	return value == "true" || value == "1" || value == "yes"
}

type idle struct{}

func (idle) Sweep(context.Context) (*detector.Report, error) { return &detector.Report{}, nil }
func (idle) ReapExpiredLeases(context.Context, int) (int, error) { return 0, nil }
func (idle) PurgeAll(context.Context, time.Duration) (int64, error) { return 0, nil }

// TestManager_StartMaintenanceTwice needs a Temporal server at TEMPORAL_HOST.
func TestManager_StartMaintenanceTwice(t *testing.T) {
	host := os.Getenv("TEMPORAL_HOST")
	if host == "" {
		if temporalRequired() {
			t.Fatal("TEMPORAL_HOST is not set")
		}
		t.Skip("TEMPORAL_HOST not set")
	}

	cfg := config.DefaultConfig()
	cfg.Temporal.Host = host
	cfg.Temporal.Namespace = "default"
	cfg.Temporal.TaskQueue = "runcore-test"

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	acts := activities.NewActivities(idle{}, idle{}, nil, cfg.Maintenance, nil)
	m, err := NewManager(ctx, cfg.Temporal, acts, nil)
	if err != nil {
		if temporalRequired() {
			t.Fatalf("Temporal server not available: %v", err)
		}
		t.Skipf("Temporal server not available: %v", err)
	}
	defer m.Stop()

	require.NoError(t, m.Start())
	require.NoError(t, m.StartMaintenance(ctx, cfg.Maintenance))
	require.NoError(t, m.StartMaintenance(ctx, cfg.Maintenance), "second start reuses the running workflow")
}
