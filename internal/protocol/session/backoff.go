package session

import (
	"math"
	"math/rand/v2"
	"time"
)

// MaxBackoffDelay bounds any computed delay when no MaxDelay is configured.
const MaxBackoffDelay = time.Hour

// Backoff tracks consecutive failures of one redial loop. It is not safe for
// concurrent use; each loop owns its own.
type Backoff struct {
	cfg      BackoffConfig
	rng      *rand.Rand
	failures int
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	seed := uint64(time.Now().UnixNano())
	return &Backoff{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed>>1))}
}

// Next records a failure and returns how long to wait before redialing.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return NextBackoffDelay(b.cfg, b.failures, b.rng)
}

// Reset is called after a successful dial.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures is the number of consecutive failures since the last Reset.
func (b *Backoff) Failures() int {
	return b.failures
}

// NextBackoffDelay returns the delay before retry attempt (1-based). The
// default fixed schedule (multiplier 1, no jitter) yields InitialDelay forever.
// Jitter scales the delay into [0.5, 1.5) and is capped at MaxDelay when set.
// Without MaxDelay the delay saturates at MaxBackoffDelay.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	ceiling := float64(MaxBackoffDelay)
	if cfg.MaxDelay > 0 {
		ceiling = float64(cfg.MaxDelay)
	}
	mult := max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(mult, float64(attempt-1))
	}
	delay = min(delay, ceiling)
	if !cfg.Jitter {
		return time.Duration(delay)
	}
	f := 0.5
	if rng != nil {
		f += rng.Float64()
	}
	delay = min(delay*f, ceiling)
	return time.Duration(delay)
}
