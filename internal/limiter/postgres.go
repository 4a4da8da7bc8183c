package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps counters in the auth_limiter table so blocks survive restarts and
// hold across API replicas.
type PG struct {
	db       Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

var _ Limiter = (*PG)(nil)

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(db Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{db: db, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether the client is currently unblocked.
func (l *PG) Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE scope=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, scope, ipHash).Scan(&blockedUntil)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, err
	}
	if wait := blockedUntil.Sub(l.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success clears the client's counter.
func (l *PG) Success(ctx context.Context, scope string, ipHash []byte) error {
	const q = `DELETE FROM auth_limiter WHERE scope=$1 AND ip_hash=$2`
	_, err := l.db.Exec(ctx, q, scope, ipHash)
	return err
}

// Failure bumps the counter, restarting it when the last failure is older than the window.
func (l *PG) Failure(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter (scope, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', now())
ON CONFLICT (scope, ip_hash) DO UPDATE
SET fail_count = CASE WHEN now() - auth_limiter.updated_at > $3::interval THEN 1 ELSE auth_limiter.fail_count + 1 END,
    updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRow(ctx, q, scope, ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_limiter SET blocked_until=$3 WHERE scope=$1 AND ip_hash=$2`
	if _, err := l.db.Exec(ctx, upd, scope, ipHash, l.now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
