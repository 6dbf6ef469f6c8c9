package session

import (
	"math"
	"math/rand"
	"time"
)

// maxBackoffDelay keeps uncapped growth inside time.Duration's range.
const maxBackoffDelay = float64(1 << 62)

// NextBackoffDelay returns the retry delay for attempt N (0-based):
// InitialDelay * Multiplier^N, capped by MaxDelay when it is positive.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}
	return time.Duration(delay)
}
