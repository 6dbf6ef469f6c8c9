package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/wsync/internal/protocol/session"
	"github.com/danmuck/wsync/internal/workspace"
	gotoml "github.com/pelletier/go-toml/v2"
)

// EnvToken overrides the token from the config file when set.
const EnvToken = "WSYNC_TOKEN"

type fileConfig struct {
	WorkspaceID          string    `toml:"workspace_id" comment:"workspace to join"`
	Token                string    `toml:"token" comment:"bearer token; WSYNC_TOKEN overrides"`
	UserID               string    `toml:"user_id" comment:"optional, sent as the userId query parameter"`
	Host                 string    `toml:"host" comment:"host[:port] of the sync server"`
	Secure               bool      `toml:"secure" comment:"dial wss instead of ws"`
	AutoReconnect        bool      `toml:"auto_reconnect"`
	MaxReconnectAttempts int       `toml:"max_reconnect_attempts" comment:"0 fails on the first lost connection"`
	ReconnectBaseDelayMS int64     `toml:"reconnect_base_delay_ms" comment:"first retry delay, doubled on every attempt; 0 retries at once"`
	MaxReconnectDelayMS  int64     `toml:"max_reconnect_delay_ms" comment:"0 leaves the backoff uncapped"`
	HandshakeTimeout     string    `toml:"handshake_timeout"`
	TLS                  tlsConfig `toml:"tls"`
}

type tlsConfig struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// LoadClientConfig reads a client config file on top of the workspace
// defaults. Keys absent from the file keep their default. An empty path
// yields the defaults. The result is not validated; workspace.New does that
// once command line overrides are applied.
func LoadClientConfig(path string) (workspace.Config, error) {
	cfg := workspace.DefaultConfig()
	if strings.TrimSpace(path) != "" {
		var err error
		cfg, err = decodeFile(path, cfg)
		if err != nil {
			return workspace.Config{}, err
		}
	}
	if token := strings.TrimSpace(os.Getenv(EnvToken)); token != "" {
		cfg.Token = token
	}
	return cfg, nil
}

func decodeFile(path string, cfg workspace.Config) (workspace.Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return workspace.Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("workspace_id") {
		cfg.WorkspaceID = strings.TrimSpace(raw.WorkspaceID)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("user_id") {
		cfg.UserID = strings.TrimSpace(raw.UserID)
	}
	if meta.IsDefined("host") {
		if host := strings.TrimSpace(raw.Host); host != "" {
			cfg.Host = host
		}
	}
	if meta.IsDefined("secure") {
		cfg.Secure = raw.Secure
	}
	if meta.IsDefined("auto_reconnect") {
		cfg.DisableAutoReconnect = !raw.AutoReconnect
	}
	if meta.IsDefined("max_reconnect_attempts") {
		if raw.MaxReconnectAttempts < 0 {
			return workspace.Config{}, fmt.Errorf("config parse failed (%s): max_reconnect_attempts must not be negative", path)
		}
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
		if raw.MaxReconnectAttempts == 0 {
			cfg.MaxReconnectAttempts = workspace.NoReconnectAttempts
		}
	}
	if meta.IsDefined("reconnect_base_delay_ms") {
		if raw.ReconnectBaseDelayMS < 0 {
			return workspace.Config{}, fmt.Errorf("config parse failed (%s): reconnect_base_delay_ms must not be negative", path)
		}
		cfg.ReconnectBaseDelay = time.Duration(raw.ReconnectBaseDelayMS) * time.Millisecond
		if raw.ReconnectBaseDelayMS == 0 {
			cfg.ReconnectBaseDelay = workspace.ImmediateReconnect
		}
	}
	if meta.IsDefined("max_reconnect_delay_ms") {
		cfg.MaxReconnectDelay = time.Duration(raw.MaxReconnectDelayMS) * time.Millisecond
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return workspace.Config{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}

	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return workspace.Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Template renders cfg as a commented config file.
func Template(cfg workspace.Config) (string, error) {
	cfg = cfg.WithDefaults()
	attempts := cfg.MaxReconnectAttempts
	if attempts == workspace.NoReconnectAttempts {
		attempts = 0
	}
	baseDelay := cfg.ReconnectBaseDelay
	if baseDelay == workspace.ImmediateReconnect {
		baseDelay = 0
	}
	out := fileConfig{
		WorkspaceID:          cfg.WorkspaceID,
		Token:                cfg.Token,
		UserID:               cfg.UserID,
		Host:                 cfg.Host,
		Secure:               cfg.Secure,
		AutoReconnect:        !cfg.DisableAutoReconnect,
		MaxReconnectAttempts: attempts,
		ReconnectBaseDelayMS: baseDelay.Milliseconds(),
		MaxReconnectDelayMS:  cfg.MaxReconnectDelay.Milliseconds(),
		HandshakeTimeout:     cfg.HandshakeTimeout.String(),
		TLS:                  fromSessionTLS(cfg.TLS),
	}
	data, err := gotoml.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(data), nil
}

// WriteTemplate writes the rendered template to path, refusing to replace an
// existing file unless overwrite is set.
func WriteTemplate(path string, cfg workspace.Config, overwrite bool) error {
	template, err := Template(cfg)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func fromSessionTLS(in session.TLSConfig) tlsConfig {
	return tlsConfig{
		CAFile:             in.CAFile,
		CertFile:           in.CertFile,
		KeyFile:            in.KeyFile,
		ServerName:         in.ServerName,
		InsecureSkipVerify: in.InsecureSkipVerify,
	}
}
