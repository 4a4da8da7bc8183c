package httpapi

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

type ctxKey string

const accountIDKey ctxKey = "pu.accountID"

// WithAccountID stores the authenticated account ID in context.
func WithAccountID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// AccountIDFromCtx fetches the account ID from context.
func AccountIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(accountIDKey)
	if v == nil {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
