package relay

import "errors"

var (
	// ErrPersist marks a send that could not be stored. The client may retry.
	ErrPersist = errors.New("message could not be persisted")

	ErrInvalidEvent  = errors.New("invalid event")
	ErrNotBound      = errors.New("connection has not announced a user")
	ErrUserMismatch  = errors.New("user does not match connection")
	ErrSessionActive = errors.New("call already in progress")
	ErrNoSession     = errors.New("no matching call session")
)

// Retryable reports whether a client can expect a retry of the same frame to succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersist)
}
