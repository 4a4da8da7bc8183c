package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/repository"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

var _ repository.AccountRepository = (*AccountRepo)(nil)

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// UpsertByEmail inserts the account or returns the existing row for email.
func (r *AccountRepo) UpsertByEmail(ctx context.Context, id uuid.UUID, email string) (*model.Account, error) {
	const q = `
INSERT INTO accounts (id, email)
VALUES ($1, $2)
ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
RETURNING id, email, upgraded, upgraded_at, created_at`
	var a model.Account
	if err := r.db.Pool.QueryRow(ctx, q, id, email).Scan(&a.ID, &a.Email, &a.Upgraded, &a.UpgradedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID selects an account by ID.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	const q = `
SELECT id, email, upgraded, upgraded_at, created_at
FROM accounts WHERE id = $1`
	var a model.Account
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.Email, &a.Upgraded, &a.UpgradedAt, &a.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// MarkUpgraded sets upgraded and the first upgrade timestamp.
func (r *AccountRepo) MarkUpgraded(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `
UPDATE accounts
SET upgraded = true, upgraded_at = COALESCE(upgraded_at, $2)
WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
