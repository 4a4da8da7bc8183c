// Package store persists the single desktop session record.
package store

import (
	"errors"
	"sync"

	"github.com/and161185/proupgrade/internal/model"
)

// Store holds at most one session.
//
// Writers are serialized; Update runs its read-modify-write without any other
// writer interleaving, so the sign-in merge and entitlement updates never lose
// each other's changes.
type Store interface {
	// Get returns a copy of the current session, or nil when signed out.
	Get() (*model.Session, error)
	// Set replaces the stored session; nil clears it.
	Set(s *model.Session) error
	// Update replaces the session with fn(current). Returning nil from fn clears
	// the store; returning ErrUnchanged skips the write.
	Update(fn func(cur *model.Session) (*model.Session, error)) (*model.Session, error)
}

// ErrUnchanged is returned by an Update callback to leave the store as is.
var ErrUnchanged = errors.New("unchanged")

// Memory is an in-process Store. It counts persisted writes so tests can
// assert how many times a flow touched the store.
type Memory struct {
	mu  sync.Mutex
	cur *model.Session

	writes int
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

// Get returns a copy of the current session.
func (m *Memory) Get() (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur.Clone(), nil
}

// Set replaces the session.
func (m *Memory) Set(s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(s)
}

// Update applies fn under the store lock.
func (m *Memory) Update(fn func(cur *model.Session) (*model.Session, error)) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.cur.Clone())
	if errors.Is(err, ErrUnchanged) {
		return m.cur.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.setLocked(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Writes reports how many writes reached the store. Test-only bookkeeping.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) setLocked(s *model.Session) error {
	if s != nil {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	m.cur = s.Clone()
	m.writes++
	return nil
}
