package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// ReconnectConfig decides whether and how often a dropped session is retried.
type ReconnectConfig struct {
	Enabled     bool
	MaxAttempts int
	Backoff     BackoffConfig
}

// Config defines transport/session reliability defaults.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Reconnect        ReconnectConfig
	TLS              TLSConfig
}

const (
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = time.Second
)

// DefaultConfig returns the documented client defaults: reconnect on, five
// attempts, doubling from one second with no delay cap.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: DefaultMaxReconnectAttempts,
			Backoff: BackoffConfig{
				InitialDelay: DefaultReconnectBaseDelay,
				Multiplier:   2.0,
			},
		},
	}
}

// WithDefaults fills zero-valued durations and limits. Reconnect.Enabled is
// left as given.
func (c Config) WithDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if c.Reconnect.Backoff.InitialDelay <= 0 {
		c.Reconnect.Backoff.InitialDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.Backoff.Multiplier == 0 {
		c.Reconnect.Backoff.Multiplier = 2.0
	}
	return c
}
