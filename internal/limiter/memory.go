package limiter

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	fails        int
	lastFailure  time.Time
	blockedUntil time.Time
}

// Memory is a single-process Limiter, used when the API runs without the limiter table.
type Memory struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu sync.Mutex
	m  map[string]*counter
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now, m: map[string]*counter{}}
}

func key(scope string, ipHash []byte) string { return scope + "\x00" + string(ipHash) }

// Allow reports whether the client is currently unblocked.
func (l *Memory) Allow(_ context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.m[key(scope, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if wait := c.blockedUntil.Sub(l.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success forgets the client.
func (l *Memory) Success(_ context.Context, scope string, ipHash []byte) error {
	l.mu.Lock()
	delete(l.m, key(scope, ipHash))
	l.mu.Unlock()
	return nil
}

// Failure records a failed attempt.
func (l *Memory) Failure(_ context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := key(scope, ipHash)
	c, ok := l.m[k]
	if !ok || now.Sub(c.lastFailure) > l.window {
		c = &counter{}
		l.m[k] = c
	}
	c.fails++
	c.lastFailure = now
	if c.fails < l.maxFails {
		return false, 0, nil
	}
	c.blockedUntil = now.Add(l.blockFor)
	return true, l.blockFor, nil
}
