package queue

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// BackoffDelay returns the wait before retry number attempt (1-indexed).
// Exponential backoff doubles from Base and is capped at Max. Jitter scales
// the capped delay into [0.5, 1.5) using a hash of seed, so the same job and
// attempt always wait the same time.
func BackoffDelay(cfg config.BackoffConfig, attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Base <= 0 {
		return 0
	}

	delay := float64(cfg.Base)
	if cfg.Kind == "exponential" {
		delay *= math.Pow(2, float64(attempt-1))
	}
	if cfg.Max > 0 {
		delay = math.Min(delay, float64(cfg.Max))
	}
	if cfg.Jitter {
		delay *= 0.5 + jitterUnit(seed)
	}
	return time.Duration(delay)
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u>>11) / float64(1<<53)
}
