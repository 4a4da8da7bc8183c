package model

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/and161185/proupgrade/internal/errs"
)

// TokenMarker is the literal that marks a redirect as a successful sign-in.
const TokenMarker = "token="

// Params are the auth values carried by a sign-in redirect.
type Params struct {
	Token     string
	UserID    string
	ExpiresAt int64
}

// HasTokenMarker reports whether raw looks like a successful sign-in redirect.
func HasTokenMarker(raw string) bool {
	return strings.Contains(raw, TokenMarker)
}

// ParseAuthURL extracts token, user_id and expires from a redirect URL.
func ParseAuthURL(raw string) (Params, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Params{}, errs.NewAuthFailure(errs.ReasonInvalidParams, err)
	}
	q := u.Query()
	p := Params{
		Token:  q.Get("token"),
		UserID: q.Get("user_id"),
	}
	if p.Token == "" || p.UserID == "" {
		return Params{}, errs.NewAuthFailure(errs.ReasonInvalidParams, errors.New("missing token or user_id"))
	}
	exp, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return Params{}, errs.NewAuthFailure(errs.ReasonInvalidParams, errors.New("expires is not numeric"))
	}
	if exp <= 0 {
		return Params{}, errs.NewAuthFailure(errs.ReasonInvalidParams, errors.New("expires must be positive"))
	}
	p.ExpiresAt = exp
	return p, nil
}

// MergeSignIn builds the session that replaces prev after a fresh sign-in.
// SupportHash and Plan.Manual carry forward; upgrade state starts over.
func MergeSignIn(prev *Session, p Params) Session {
	s := Session{
		Token:     p.Token,
		UserID:    p.UserID,
		ExpiresAt: p.ExpiresAt,
	}
	if prev != nil {
		s.SupportHash = prev.SupportHash
		s.Plan.Manual = prev.Plan.Manual
	}
	return s
}
