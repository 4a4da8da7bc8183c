// Package entitlement polls the billing authority until the stored session is
// upgraded.
package entitlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/proupgrade/internal/api"
	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/store"
)

// DefaultInterval is the polling period.
const DefaultInterval = 5 * time.Second

// Authority answers whether the session owning token has a paid plan.
type Authority interface {
	IsUpgraded(ctx context.Context, token string) (bool, error)
}

var _ Authority = (*api.Client)(nil)

// Config tunes a Poller.
type Config struct {
	Interval time.Duration
	// OnUpgraded runs once per session when the upgrade is first observed.
	OnUpgraded func(s model.Session)
	Now        func() time.Time
}

// Poller reconciles Plan.Upgraded with the authority on a fixed interval.
type Poller struct {
	st   store.Store
	auth Authority
	cfg  Config
	log  *zap.Logger

	inFlight atomic.Bool
	ticks    sync.WaitGroup

	mu       sync.Mutex
	stop     chan struct{}
	loopDone chan struct{}
	stopped  bool
}

// New creates a stopped poller.
func New(st store.Store, auth Authority, cfg Config, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{st: st, auth: auth, cfg: cfg, log: log}
}

// Start launches the polling loop. Ticks outlive cancellation of ctx once begun.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loopDone != nil {
		return errs.ErrAlreadyRunning
	}
	p.stop = make(chan struct{})
	p.loopDone = make(chan struct{})
	if p.stopped {
		close(p.stop)
	}
	go p.loop(ctx, p.stop, p.loopDone)
	return nil
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	tickCtx := context.WithoutCancel(ctx)
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			p.tick(tickCtx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Debug("entitlement poll skipped: previous still running")
		return
	}
	p.ticks.Add(1)
	go func() {
		defer p.ticks.Done()
		defer p.inFlight.Store(false)
		if _, err := p.CheckNow(ctx); err != nil {
			p.log.Warn("entitlement poll", zap.Error(err))
		}
	}()
}

// Stop ends the loop. An in-flight tick is left to finish. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.stop != nil {
		close(p.stop)
	}
}

// Wait blocks until the loop and any in-flight tick have returned.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.loopDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
	p.ticks.Wait()
}

// CheckNow queries the authority once and records the answer. It returns
// false with no error when signed out.
func (p *Poller) CheckNow(ctx context.Context) (bool, error) {
	sess, err := p.st.Get()
	if err != nil {
		return false, fmt.Errorf("%w: read session: %w", errs.ErrPoll, err)
	}
	if sess == nil {
		return false, nil
	}

	upgraded, err := p.auth.IsUpgraded(ctx, sess.Token)
	if err != nil {
		return false, err
	}

	now := p.cfg.Now().Unix()
	var flipped bool
	updated, err := p.st.Update(func(cur *model.Session) (*model.Session, error) {
		// A sign-in replaced the session while the query was out.
		if cur == nil || cur.Token != sess.Token {
			return nil, store.ErrUnchanged
		}
		if upgraded && !cur.Plan.Upgraded {
			cur.Plan.Upgraded = true
			flipped = true
		}
		cur.Plan.LastCheckedAt = now
		return cur, nil
	})
	if err != nil {
		return upgraded, fmt.Errorf("%w: record result: %w", errs.ErrPoll, err)
	}
	if flipped {
		p.log.Info("plan upgraded", zap.String("user_id", updated.UserID))
		if p.cfg.OnUpgraded != nil {
			p.cfg.OnUpgraded(*updated)
		}
	}
	return upgraded, nil
}
