// Package apperrors collects sentinel errors shared across the tunnel core
// so callers can distinguish failure kinds with errors.Is instead of string
// matching.
package apperrors

import "errors"

var (
	ErrNoClientsAvailable = errors.New("no tunnel client connected")
	ErrAuthTimeout        = errors.New("auth message not received within deadline")
	ErrAuthRejected       = errors.New("signature verification failed")
	ErrAuthMalformed      = errors.New("first frame was not an auth message")
	ErrSessionClosed      = errors.New("session outbound queue closed")
	ErrQueueFull          = errors.New("outbound queue full")
	ErrPendingTimeout     = errors.New("timed out waiting for tunneled response")
	ErrFeatureDisabled    = errors.New("feature not enabled")
	ErrUnsupportedMethod  = errors.New("unsupported http method")
)
