// Package service contains the desktop API application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/limiter"
	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/repository"
)

// ScopeBearer is the limiter scope for bearer token checks.
const ScopeBearer = "bearer"

// Issued is a freshly signed desktop session.
type Issued struct {
	Token     string
	Account   model.Account
	ExpiresAt time.Time
}

// SessionService signs desktop users in and verifies their tokens.
type SessionService interface {
	// SignIn upserts the account for email and issues a session token.
	SignIn(ctx context.Context, email string) (Issued, error)
	// Authenticate verifies a bearer token presented from ip and returns its account id.
	Authenticate(ctx context.Context, token, ip string) (uuid.UUID, error)
}

type SessionServiceImpl struct {
	accounts  repository.AccountRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	now       func() time.Time
}

// NewSessionService constructs SessionService with required dependencies.
func NewSessionService(accounts repository.AccountRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *SessionServiceImpl {
	return &SessionServiceImpl{accounts: accounts, signKey: signKey, accessTTL: accessTTL, lim: lim, now: time.Now}
}

// SignIn creates the account on first use and returns a signed token.
func (s *SessionServiceImpl) SignIn(ctx context.Context, email string) (Issued, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return Issued{}, fmt.Errorf("validation: email: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return Issued{}, err
	}
	acc, err := s.accounts.UpsertByEmail(ctx, id, email)
	if err != nil {
		return Issued{}, fmt.Errorf("upsert account: %w", err)
	}
	tok, exp, err := s.issueAccessToken(acc.ID)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: tok, Account: *acc, ExpiresAt: exp}, nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
// exp is truncated to whole seconds so it matches the token's claim.
func (s *SessionServiceImpl) issueAccessToken(accountID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL).Truncate(time.Second)
	claims := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	return signed, exp, err
}

// Authenticate verifies token with per-IP rate limiting of failures.
func (s *SessionServiceImpl) Authenticate(ctx context.Context, token, ip string) (uuid.UUID, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, ScopeBearer, ipHash)
	if err != nil {
		return uuid.Nil, err
	}
	if !allowed {
		return uuid.Nil, errs.ErrRateLimited
	}

	id, err := s.verify(token)
	if err != nil {
		if blocked, _, ferr := s.lim.Failure(ctx, ScopeBearer, ipHash); ferr == nil && blocked {
			return uuid.Nil, errs.ErrRateLimited
		}
		return uuid.Nil, fmt.Errorf("%w: %w", errs.ErrUnauthorized, err)
	}

	_ = s.lim.Success(ctx, ScopeBearer, ipHash)
	return id, nil
}

func (s *SessionServiceImpl) verify(tok string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30*time.Second), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, errors.New("token expired or not valid yet")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("bad subject")
	}
	return id, nil
}
