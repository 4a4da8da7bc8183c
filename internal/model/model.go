// Package model defines domain entities shared by the desktop client and the API.
package model

import (
	"time"

	"github.com/and161185/proupgrade/internal/errs"
	"github.com/gofrs/uuid/v5"
)

// Entitlement is the subscription status attached to a session.
type Entitlement struct {
	Upgraded      bool  `json:"upgraded"`
	LastCheckedAt int64 `json:"last_checked"` // unix seconds, 0 if never polled
	Manual        bool  `json:"manual"`       // set out-of-band, survives re-authentication
}

// Session is the single authenticated identity persisted on the desktop.
type Session struct {
	Token       string      `json:"token"`
	UserID      string      `json:"user_id"`
	ExpiresAt   int64       `json:"expires"` // unix seconds
	SupportHash string      `json:"intercom_hash"`
	Plan        Entitlement `json:"plan"`
}

// Validate rejects sessions missing any of token, user id or expiry.
func (s *Session) Validate() error {
	if s.Token == "" || s.UserID == "" || s.ExpiresAt <= 0 {
		return errs.ErrPartialSession
	}
	return nil
}

// Expired reports whether the session expiry is at or before now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// Clone returns a copy safe to hand out of a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// PlanType selects the billing cadence of the Pro plan.
type PlanType string

// Supported plan cadences.
const (
	PlanYearly  PlanType = "yearly"
	PlanMonthly PlanType = "monthly"
)

// Transport is the channel the browser uses to hand the sign-in back.
type Transport string

// Sign-in transports. Development builds get the loopback redirect, packaged
// builds get the custom-scheme deep link.
const (
	TransportLoopback Transport = "loopback"
	TransportDeepLink Transport = "deeplink"
)

// Account is the server-side record behind a desktop session.
type Account struct {
	ID         uuid.UUID
	Email      string
	Upgraded   bool
	UpgradedAt *time.Time
	CreatedAt  time.Time
}
