package core

import "errors"

// Standard sentinel errors for comparison using errors.Is()
var (
	// Fleet errors
	ErrClientNotFound    = errors.New("client not found")
	ErrClientUnavailable = errors.New("client is marked as unavailable")
	ErrClientBusy        = errors.New("client is busy (in use)")
	ErrNoClientAvailable = errors.New("no suitable client available")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrInvalidStatus        = errors.New("invalid client status")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")

	// Operation errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrMissingToken       = errors.New("missing API token")
)
