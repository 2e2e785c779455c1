package rooms

import (
	"errors"
	"fmt"
	"time"

	"github.com/a-essam23/go-relay/internal/guard"
)

var (
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrNotAuthorized    = errors.New("user may not access this room")
	ErrNotMember        = errors.New("connection has not joined this room")
	// ErrBackendUnavailable is returned when a join cannot be authorized
	// because the authorization source is unreachable. Joins fail closed.
	ErrBackendUnavailable = errors.New("authorization backend unavailable")
)

// RateLimitedError reports a denied action with a retry-after hint. It is an
// expected steady-state outcome, not an exceptional one.
type RateLimitedError struct {
	Action  string
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %q, retry after %s", e.Action, time.Until(e.ResetAt).Round(time.Millisecond))
}

// ThreatError reports a payload rejected by the scanner.
type ThreatError struct {
	Category guard.ThreatCategory
}

func (e *ThreatError) Error() string {
	return fmt.Sprintf("payload rejected: %s", e.Category)
}
