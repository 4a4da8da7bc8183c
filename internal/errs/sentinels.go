// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across client and server layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller is temporarily blocked after repeated auth failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrListener indicates the local callback listener could not be bound.
	ErrListener = errors.New("callback listener unavailable")

	// ErrAlreadyRunning is returned when a listener is started twice.
	ErrAlreadyRunning = errors.New("already running")

	// ErrAttemptInFlight rejects a sign-in while another one is still open.
	ErrAttemptInFlight = errors.New("sign-in attempt already in flight")

	// ErrAbandoned indicates the sign-in attempt was torn down before any delivery arrived.
	ErrAbandoned = errors.New("sign-in abandoned")

	// ErrPartialSession indicates token, user id and expiry are not all present.
	ErrPartialSession = errors.New("partial session")

	// ErrCheckoutFetch indicates the billing API did not return a checkout URL.
	ErrCheckoutFetch = errors.New("checkout url unavailable")

	// ErrPoll indicates a transient failure querying the entitlement authority.
	ErrPoll = errors.New("entitlement poll failed")

	// ErrNoRelay indicates no running instance accepts forwarded deep links.
	ErrNoRelay = errors.New("no running instance")

	// ErrUnknownPrice indicates a checkout was requested for a price that is not sold.
	ErrUnknownPrice = errors.New("unknown price")
)
