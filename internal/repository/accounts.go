// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/proupgrade/internal/model"
)

// AccountRepository stores desktop accounts and their plan state.
type AccountRepository interface {
	// UpsertByEmail returns the account for email, creating it with id when absent.
	UpsertByEmail(ctx context.Context, id uuid.UUID, email string) (*model.Account, error)
	// GetByID loads an account; errs.ErrNotFound when missing.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	// MarkUpgraded flags the account as paid. The first upgrade time is kept.
	MarkUpgraded(ctx context.Context, id uuid.UUID, at time.Time) error
}
