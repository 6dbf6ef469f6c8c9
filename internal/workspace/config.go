package workspace

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/wsync/internal/protocol/session"
	"github.com/rs/zerolog"
)

const DefaultHost = "localhost:8080"

const (
	// NoReconnectAttempts as MaxReconnectAttempts fails the session on the
	// first lost connection while keeping auto-reconnect nominally on.
	NoReconnectAttempts = -1
	// ImmediateReconnect as ReconnectBaseDelay retries without waiting.
	ImmediateReconnect time.Duration = -1
)

// Config is the immutable session configuration. The zero value of every
// optional field selects the documented default, so auto-reconnect is
// expressed as DisableAutoReconnect.
type Config struct {
	WorkspaceID string
	Token       string
	UserID      string

	Host   string
	Secure bool
	TLS    session.TLSConfig

	DisableAutoReconnect bool
	// MaxReconnectAttempts of zero selects the default; use
	// NoReconnectAttempts for none.
	MaxReconnectAttempts int
	// ReconnectBaseDelay of zero selects the default; use
	// ImmediateReconnect for no delay.
	ReconnectBaseDelay time.Duration
	// MaxReconnectDelay caps the backoff delay; zero leaves it uncapped.
	MaxReconnectDelay time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = session.DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = session.DefaultReconnectBaseDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = session.DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = session.DefaultWriteTimeout
	}
	return c
}

// Validate checks required fields. Every failure matches ErrConfiguration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("%w: %w", ErrConfiguration, ErrWorkspaceIDRequired)
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: %w", ErrConfiguration, ErrTokenRequired)
	}
	if c.MaxReconnectAttempts < NoReconnectAttempts {
		return fmt.Errorf("%w: max_reconnect_attempts must not be negative", ErrConfiguration)
	}
	if (c.ReconnectBaseDelay < 0 && c.ReconnectBaseDelay != ImmediateReconnect) || c.MaxReconnectDelay < 0 {
		return fmt.Errorf("%w: reconnect delays must not be negative", ErrConfiguration)
	}
	if c.Secure {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
	}
	return nil
}

// URL is the connection target: {ws|wss}://{host}/ws/{workspace_id}, with
// the user id passed as the userId query parameter when set.
func (c Config) URL() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:  scheme,
		Host:    c.Host,
		Path:    "/ws/" + c.WorkspaceID,
		RawPath: "/ws/" + url.PathEscape(c.WorkspaceID),
	}
	if id := strings.TrimSpace(c.UserID); id != "" {
		u.RawQuery = url.Values{"userId": []string{id}}.Encode()
	}
	return u.String()
}

// sessionConfig maps c, already defaulted, onto the session primitives. The
// sentinels become literal zeros there.
func (c Config) sessionConfig() session.Config {
	attempts := c.MaxReconnectAttempts
	if attempts == NoReconnectAttempts {
		attempts = 0
	}
	base := c.ReconnectBaseDelay
	if base == ImmediateReconnect {
		base = 0
	}
	return session.Config{
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		Reconnect: session.ReconnectConfig{
			Enabled:     !c.DisableAutoReconnect,
			MaxAttempts: attempts,
			Backoff: session.BackoffConfig{
				InitialDelay: base,
				Multiplier:   2.0,
				MaxDelay:     c.MaxReconnectDelay,
			},
		},
		TLS: c.TLS,
	}
}
