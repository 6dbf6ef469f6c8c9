// Package session owns the connection lifecycle primitives of a workspace
// sync session.
//
// Ownership boundary:
// - connection state enum and transition table
// - retry/backoff policy and the reconnection controller
// - transport timeouts and client TLS settings
//
// The transport itself (dialing, read loop, writes) lives in
// internal/workspace, which drives a Machine and a Reconnector from this
// package.
package session
