package game

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors classified at the state-machine boundary.
var (
	// ErrAuth means the credentials were rejected. Fatal, no retry of the
	// same credentials beyond the login backoff budget.
	ErrAuth = errors.New("authentication failed")

	// ErrSessionExpired means the server no longer accepts the held
	// session token. Recoverable by a re-login.
	ErrSessionExpired = errors.New("session expired")
)

// HTTPError is a non-2xx response from the game API.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("game api returned status %d", e.StatusCode)
}

// RateLimitError carries the server-requested cooldown, or zero when the
// server did not send Retry-After.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}
