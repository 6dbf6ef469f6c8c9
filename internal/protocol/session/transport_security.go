package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrTLSCertFileRequired = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("session: tls key file required")
	ErrTLSCABundleInvalid  = errors.New("session: tls ca bundle invalid")
)

// TLSConfig holds client-side settings for secure (wss) transports. Empty
// fields fall back to the system roots and the dialed host name.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Mutual reports whether a client certificate is configured.
func (c TLSConfig) Mutual() bool {
	return strings.TrimSpace(c.CertFile) != "" || strings.TrimSpace(c.KeyFile) != ""
}

func (c TLSConfig) Validate() error {
	if !c.Mutual() {
		return nil
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	return nil
}

// ClientTLS builds a *tls.Config for dialing host (host or host:port).
func (c TLSConfig) ClientTLS(host string) (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.ServerName)
	if serverName == "" {
		serverName = host
		if h, _, err := net.SplitHostPort(host); err == nil {
			serverName = h
		}
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("%w: %s", ErrTLSCABundleInvalid, caPath)
		}
		cfg.RootCAs = pool
	}

	if c.Mutual() {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
