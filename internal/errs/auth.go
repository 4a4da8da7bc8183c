package errs

import "fmt"

// Reason classifies why a sign-in attempt failed.
type Reason string

// Sign-in failure reasons.
const (
	ReasonListenerStart Reason = "listener_start_failed"
	ReasonInvalidParams Reason = "invalid_params"
	ReasonPersist       Reason = "persist_failed"
	ReasonBrowserOpen   Reason = "browser_open_failed"
)

// Reason sentinels for errors.Is matching against AuthFailure.
var (
	ErrListenerStartFailed = &AuthFailure{Reason: ReasonListenerStart}
	ErrInvalidParams       = &AuthFailure{Reason: ReasonInvalidParams}
	ErrPersistFailed       = &AuthFailure{Reason: ReasonPersist}
	ErrBrowserOpenFailed   = &AuthFailure{Reason: ReasonBrowserOpen}
)

// AuthFailure is a sign-in failure that invalidates the session identity.
type AuthFailure struct {
	Reason Reason
	Err    error
}

// NewAuthFailure wraps cause with a failure reason.
func NewAuthFailure(reason Reason, cause error) *AuthFailure {
	return &AuthFailure{Reason: reason, Err: cause}
}

func (e *AuthFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failure (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failure (%s)", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *AuthFailure) Unwrap() error { return e.Err }

// Is matches any AuthFailure with the same reason.
func (e *AuthFailure) Is(target error) bool {
	t, ok := target.(*AuthFailure)
	return ok && t.Reason == e.Reason
}
