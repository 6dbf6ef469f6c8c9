package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

var (
	ErrReconnectDisabled    = errors.New("session: auto-reconnect disabled")
	ErrMaxReconnectAttempts = errors.New("session: max reconnect attempts reached")
)

// Reconnector decides, after each connection failure, whether to retry and
// how long to wait first. The attempt counter resets on every successful
// handshake.
type Reconnector struct {
	cfg      ReconnectConfig
	rng      *rand.Rand
	attempts atomic.Int64
}

func NewReconnector(cfg ReconnectConfig) *Reconnector {
	return &Reconnector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt, or a terminal error when
// reconnecting is disabled or the attempt ceiling has been reached. cause is
// wrapped into the returned error.
func (r *Reconnector) Next(cause error) (time.Duration, error) {
	if !r.cfg.Enabled {
		return 0, joinCause(ErrReconnectDisabled, cause)
	}
	attempt := int(r.attempts.Load())
	if attempt >= r.cfg.MaxAttempts {
		return 0, joinCause(ErrMaxReconnectAttempts, cause)
	}
	return NextBackoffDelay(r.cfg.Backoff, attempt, r.rng), nil
}

// Wait sleeps for delay and then counts the attempt. It returns ctx.Err()
// as soon as ctx is done, without counting the attempt.
func (r *Reconnector) Wait(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	r.attempts.Add(1)
	return nil
}

func (r *Reconnector) Reset() {
	r.attempts.Store(0)
}

func (r *Reconnector) Attempts() int {
	return int(r.attempts.Load())
}

func joinCause(reason, cause error) error {
	if cause == nil {
		return reason
	}
	return fmt.Errorf("%w: %w", reason, cause)
}
