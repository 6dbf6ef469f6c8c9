package workspace

import (
	"errors"

	"github.com/danmuck/wsync/internal/protocol/session"
)

var (
	ErrConfiguration       = errors.New("workspace: invalid configuration")
	ErrWorkspaceIDRequired = errors.New("workspace: workspace_id required")
	ErrTokenRequired       = errors.New("workspace: token required")
	ErrConnection          = errors.New("workspace: connection failed")
	ErrUnauthorized        = errors.New("workspace: handshake unauthorized")
	ErrNotConnected        = errors.New("workspace: not connected")
	ErrInvalidKey          = errors.New("workspace: key required")
	ErrAlreadyConnecting   = errors.New("workspace: connect already running")

	// Terminal reasons wrapped inside ErrConnection.
	ErrMaxReconnectAttempts = session.ErrMaxReconnectAttempts
	ErrReconnectDisabled    = session.ErrReconnectDisabled
)
