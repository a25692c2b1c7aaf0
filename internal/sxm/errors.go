package sxm

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed indicates the upstream rejected the credentials. Not
	// retryable; the credential must be corrected by the operator.
	ErrAuthFailed = errors.New("upstream authentication failed")

	// ErrUnauthorized indicates the bearer token was rejected (401/403).
	// A single token refresh is worth attempting.
	ErrUnauthorized = errors.New("upstream rejected token")

	// ErrNoStream indicates the upstream returned no usable stream URL.
	ErrNoStream = errors.New("no stream URL in upstream response")
)

// StatusError wraps an unexpected upstream HTTP status.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
}

// IsUnauthorizedStatus reports whether code is a token-rejection status.
func IsUnauthorizedStatus(code int) bool {
	return code == 401 || code == 403
}
