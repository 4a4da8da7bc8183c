package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newPG(t *testing.T) (*PG, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	l := NewPG(mock, 15*time.Minute, 3, 10*time.Minute)
	l.now = func() time.Time { return t0 }
	return l, mock
}

func TestPG_Allow(t *testing.T) {
	l, mock := newPG(t)
	ctx := context.Background()
	ip := HashIP("10.0.0.1")

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter WHERE scope=\$1 AND ip_hash=\$2`).
		WithArgs("bearer", ip).
		WillReturnError(pgx.ErrNoRows)
	ok, wait, err := l.Allow(ctx, "bearer", ip)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, wait)

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("bearer", ip).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(t0.Add(time.Minute)))
	ok, wait, err = l.Allow(ctx, "bearer", ip)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, time.Minute, wait)

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("bearer", ip).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(t0.Add(-time.Minute)))
	ok, _, err = l.Allow(ctx, "bearer", ip)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("bearer", ip).
		WillReturnError(errors.New("db down"))
	ok, _, err = l.Allow(ctx, "bearer", ip)
	require.Error(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_FailureBlocksAtThreshold(t *testing.T) {
	l, mock := newPG(t)
	ctx := context.Background()
	ip := HashIP("10.0.0.2")

	mock.ExpectQuery(`INSERT INTO auth_limiter .* RETURNING fail_count`).
		WithArgs("bearer", ip, 15*time.Minute).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(2))
	blocked, _, err := l.Failure(ctx, "bearer", ip)
	require.NoError(t, err)
	require.False(t, blocked)

	mock.ExpectQuery(`INSERT INTO auth_limiter .* RETURNING fail_count`).
		WithArgs("bearer", ip, 15*time.Minute).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(3))
	mock.ExpectExec(`UPDATE auth_limiter SET blocked_until=\$3 WHERE scope=\$1 AND ip_hash=\$2`).
		WithArgs("bearer", ip, t0.Add(10*time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	blocked, wait, err := l.Failure(ctx, "bearer", ip)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, 10*time.Minute, wait)

	mock.ExpectExec(`DELETE FROM auth_limiter WHERE scope=\$1 AND ip_hash=\$2`).
		WithArgs("bearer", ip).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, l.Success(ctx, "bearer", ip))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemory_BlockAndReset(t *testing.T) {
	t.Parallel()
	l := NewMemory(time.Minute, 2, time.Hour)
	now := t0
	l.now = func() time.Time { return now }
	ctx := context.Background()
	ip := HashIP("10.0.0.3")

	blocked, _, err := l.Failure(ctx, "bearer", ip)
	require.NoError(t, err)
	require.False(t, blocked)
	blocked, wait, err := l.Failure(ctx, "bearer", ip)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, time.Hour, wait)

	ok, _, err := l.Allow(ctx, "bearer", ip)
	require.NoError(t, err)
	require.False(t, ok)

	ok, _, err = l.Allow(ctx, "other-scope", ip)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Success(ctx, "bearer", ip))
	ok, _, err = l.Allow(ctx, "bearer", ip)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemory_WindowRestartsCount(t *testing.T) {
	t.Parallel()
	l := NewMemory(time.Minute, 2, time.Hour)
	now := t0
	l.now = func() time.Time { return now }
	ctx := context.Background()
	ip := HashIP("10.0.0.4")

	_, _, _ = l.Failure(ctx, "bearer", ip)
	now = now.Add(2 * time.Minute)
	blocked, _, err := l.Failure(ctx, "bearer", ip)
	require.NoError(t, err)
	require.False(t, blocked, "stale failure must not count")
}
