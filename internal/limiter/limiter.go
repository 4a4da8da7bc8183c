// Package limiter blocks clients that keep presenting bad credentials.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks auth failures per (scope, client) and issues temporary blocks.
type Limiter interface {
	// Allow reports whether the client may try again, and for how long it must wait if not.
	Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
	// Success resets the client's counter.
	Success(ctx context.Context, scope string, ipHash []byte) error
	// Failure records a failed attempt and reports whether it triggered a block.
	Failure(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}
