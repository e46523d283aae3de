package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes callers branch on.
var (
	// ErrUnauthenticated is returned when the backend rejects credentials
	// or a request ends up unauthorized after the refresh flow had its shot.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRefreshFailed is returned when the token refresh call itself
	// failed. The persisted token has already been cleared.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx backend response that does not map to one of the
// sentinel errors above.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}
