// Package signin coordinates one browser-delegated sign-in attempt from opening
// the browser to persisting the session.
package signin

import (
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
)

// Channel names the transport a delivery arrived on.
type Channel string

// Delivery channels.
const (
	ChannelLoopback Channel = "loopback"
	ChannelDeepLink Channel = "deeplink"
)

// Delivery is a raw redirect URL claimed for an attempt.
type Delivery struct {
	Attempt uuid.UUID
	Channel Channel
	URL     string
}

type slot struct {
	id      uuid.UUID
	claimed atomic.Bool
	ch      chan Delivery
}

// Resolver is a one-shot rendezvous between an attempt and its delivery channels.
// Only the first delivery tagged with the open attempt id is accepted.
type Resolver struct {
	mu  sync.Mutex
	cur *slot
}

// NewResolver returns a resolver with no open attempt.
func NewResolver() *Resolver { return &Resolver{} }

// Open starts a new attempt, replacing any previous one.
func (r *Resolver) Open() (uuid.UUID, <-chan Delivery, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, nil, err
	}
	s := &slot{id: id, ch: make(chan Delivery, 1)}
	r.mu.Lock()
	r.cur = s
	r.mu.Unlock()
	return id, s.ch, nil
}

// Active returns the id of the open attempt.
func (r *Resolver) Active() (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return uuid.Nil, false
	}
	return r.cur.id, true
}

// Claim hands a delivery to attempt id. It returns false when the attempt is
// no longer open or another delivery already won.
func (r *Resolver) Claim(id uuid.UUID, ch Channel, rawURL string) bool {
	r.mu.Lock()
	s := r.cur
	r.mu.Unlock()
	if s == nil || s.id != id {
		return false
	}
	if !s.claimed.CompareAndSwap(false, true) {
		return false
	}
	s.ch <- Delivery{Attempt: id, Channel: ch, URL: rawURL}
	return true
}

// ClaimActive tags rawURL with whatever attempt is open and claims it.
func (r *Resolver) ClaimActive(ch Channel, rawURL string) bool {
	id, ok := r.Active()
	if !ok {
		return false
	}
	return r.Claim(id, ch, rawURL)
}

// Close ends attempt id. Closing a stale id leaves a newer attempt alone.
func (r *Resolver) Close(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil && r.cur.id == id {
		r.cur = nil
	}
}
