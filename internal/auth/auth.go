// Package auth carries the bearer token of a workspace connection: the
// client builds the handshake header, the server side parses and checks it.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const (
	HeaderAuthorization = "Authorization"
	bearerScheme        = "Bearer"
)

var (
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrMissingBearer = errors.New("auth: missing bearer token")
)

// BearerHeader returns handshake headers carrying token.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set(HeaderAuthorization, bearerScheme+" "+token)
	return h
}

// BearerToken extracts the token from an Authorization header. The scheme is
// matched case-insensitively.
func BearerToken(h http.Header) (string, error) {
	raw := strings.TrimSpace(h.Get(HeaderAuthorization))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", ErrMissingBearer
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingBearer
	}
	return token, nil
}

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty Token accepts
// nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Check parses the bearer token from h and validates it.
func Check(v Validator, h http.Header) error {
	token, err := BearerToken(h)
	if err != nil {
		return errors.Join(ErrUnauthorized, err)
	}
	return v.Validate(token)
}
