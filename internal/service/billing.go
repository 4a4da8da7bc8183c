package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/repository"
)

// BillingService hands out checkout pages and reports plan state.
type BillingService interface {
	// CheckoutURL returns the provider checkout page for priceID.
	CheckoutURL(ctx context.Context, accountID uuid.UUID, priceID string) (string, error)
	// IsUpgraded reports whether the account has a paid plan.
	IsUpgraded(ctx context.Context, accountID uuid.UUID) (bool, error)
	// MarkUpgraded records a completed purchase.
	MarkUpgraded(ctx context.Context, accountID uuid.UUID) error
}

type BillingServiceImpl struct {
	accounts     repository.AccountRepository
	checkoutBase *url.URL
	prices       map[string]struct{}
	now          func() time.Time
}

// NewBillingService constructs BillingService selling the given prices.
func NewBillingService(accounts repository.AccountRepository, checkoutBase string, prices []string) (*BillingServiceImpl, error) {
	u, err := url.Parse(checkoutBase)
	if err != nil {
		return nil, fmt.Errorf("checkout base: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, errors.New("checkout base: http(s) url required")
	}
	set := make(map[string]struct{}, len(prices))
	for _, p := range prices {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return &BillingServiceImpl{accounts: accounts, checkoutBase: u, prices: set, now: time.Now}, nil
}

// CheckoutURL validates the price and builds the provider URL tagged with the account.
func (s *BillingServiceImpl) CheckoutURL(ctx context.Context, accountID uuid.UUID, priceID string) (string, error) {
	if _, ok := s.prices[priceID]; !ok {
		return "", fmt.Errorf("%w: %q", errs.ErrUnknownPrice, priceID)
	}
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	u := *s.checkoutBase
	q := u.Query()
	q.Set("price", priceID)
	q.Set("client_reference_id", acc.ID.String())
	q.Set("prefilled_email", acc.Email)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IsUpgraded loads the account plan.
func (s *BillingServiceImpl) IsUpgraded(ctx context.Context, accountID uuid.UUID) (bool, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acc.Upgraded, nil
}

// MarkUpgraded flags the account as paid.
func (s *BillingServiceImpl) MarkUpgraded(ctx context.Context, accountID uuid.UUID) error {
	if accountID == uuid.Nil {
		return errors.New("validation: empty account id")
	}
	return s.accounts.MarkUpgraded(ctx, accountID, s.now())
}
