package entitlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/store"
)

type fakeAuthority struct {
	mu       sync.Mutex
	upgraded bool
	err      error
	tokens   []string

	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
}

func (f *fakeAuthority) IsUpgraded(ctx context.Context, token string) (bool, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.upgraded, f.err
}

func (f *fakeAuthority) set(upgraded bool, err error) {
	f.mu.Lock()
	f.upgraded, f.err = upgraded, err
	f.mu.Unlock()
}

var fixedNow = time.Unix(1_700_000_000, 0)

func newPoller(t *testing.T, st store.Store, a Authority, onUp func(model.Session)) *Poller {
	t.Helper()
	return New(st, a, Config{
		Interval:   5 * time.Millisecond,
		OnUpgraded: onUp,
		Now:        func() time.Time { return fixedNow },
	}, zaptest.NewLogger(t))
}

func session() *model.Session {
	return &model.Session{Token: "tok", UserID: "u1", ExpiresAt: 1999999999, SupportHash: "h"}
}

func TestCheckNow_NoSessionIsNoop(t *testing.T) {
	t.Parallel()
	a := &fakeAuthority{}
	p := newPoller(t, store.NewMemory(), a, nil)

	up, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	require.False(t, up)
	require.Equal(t, int32(0), a.calls.Load())
}

func TestCheckNow_NotUpgradedRecordsCheckTime(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	require.NoError(t, st.Set(session()))
	p := newPoller(t, st, &fakeAuthority{}, func(model.Session) { t.Error("unexpected upgrade callback") })

	up, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	require.False(t, up)

	got, err := st.Get()
	require.NoError(t, err)
	require.Equal(t, model.Entitlement{LastCheckedAt: fixedNow.Unix()}, got.Plan)
}

func TestCheckNow_UpgradeIsMonotonic(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	require.NoError(t, st.Set(session()))
	a := &fakeAuthority{upgraded: true}
	var notified []model.Session
	p := newPoller(t, st, a, func(s model.Session) { notified = append(notified, s) })

	up, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	require.True(t, up)
	require.Len(t, notified, 1)
	require.True(t, notified[0].Plan.Upgraded)
	require.Equal(t, "h", notified[0].SupportHash)

	// The authority flapping back must not undo the upgrade.
	a.set(false, nil)
	up, err = p.CheckNow(context.Background())
	require.NoError(t, err)
	require.False(t, up)

	got, err := st.Get()
	require.NoError(t, err)
	require.True(t, got.Plan.Upgraded)
	require.Len(t, notified, 1, "callback fires on the transition only")
}

func TestCheckNow_FailureLeavesPlanUntouched(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	prior := session()
	prior.Plan = model.Entitlement{LastCheckedAt: 42, Manual: true}
	require.NoError(t, st.Set(prior))
	a := &fakeAuthority{err: fmt.Errorf("%w: connection refused", errs.ErrPoll)}
	p := newPoller(t, st, a, nil)

	_, err := p.CheckNow(context.Background())
	require.ErrorIs(t, err, errs.ErrPoll)

	got, err := st.Get()
	require.NoError(t, err)
	require.Equal(t, prior, got)
	require.Equal(t, 1, st.Writes())
}

func TestCheckNow_SessionReplacedDuringQuery(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	require.NoError(t, st.Set(session()))
	a := &fakeAuthority{upgraded: true, release: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newPoller(t, st, a, func(model.Session) { t.Error("upgrade applied to a replaced session") })

	done := make(chan error, 1)
	go func() {
		_, err := p.CheckNow(context.Background())
		done <- err
	}()
	<-a.entered
	fresh := &model.Session{Token: "new", UserID: "u1", ExpiresAt: 1999999999}
	require.NoError(t, st.Set(fresh))
	close(a.release)
	require.NoError(t, <-done)

	got, err := st.Get()
	require.NoError(t, err)
	require.Equal(t, fresh, got)
}

func TestPoller_TicksUntilStopped(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	require.NoError(t, st.Set(session()))
	a := &fakeAuthority{}
	upgraded := make(chan model.Session, 1)
	p := newPoller(t, st, a, func(s model.Session) { upgraded <- s })

	require.NoError(t, p.Start(context.Background()))
	require.ErrorIs(t, p.Start(context.Background()), errs.ErrAlreadyRunning)
	require.Eventually(t, func() bool { return a.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	a.set(true, nil)
	select {
	case s := <-upgraded:
		require.True(t, s.Plan.Upgraded)
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade was never observed")
	}

	p.Stop()
	p.Stop()
	p.Wait()
	n := a.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, a.calls.Load(), "no ticks after stop")
}

func TestPoller_SkipsOverlappingTicks(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	require.NoError(t, st.Set(session()))
	a := &fakeAuthority{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newPoller(t, st, a, nil)

	require.NoError(t, p.Start(context.Background()))
	<-a.entered
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), a.calls.Load(), "ticks while one is in flight are skipped")

	p.Stop()
	close(a.release)
	p.Wait()

	got, err := st.Get()
	require.NoError(t, err)
	require.Equal(t, fixedNow.Unix(), got.Plan.LastCheckedAt, "in-flight tick completes after stop")
}

func TestPoller_StopWithoutStart(t *testing.T) {
	t.Parallel()
	p := newPoller(t, store.NewMemory(), &fakeAuthority{}, nil)
	p.Stop()
	p.Stop()
	p.Wait()
}

func TestPoller_ContextCancelEndsLoop(t *testing.T) {
	t.Parallel()
	p := newPoller(t, store.NewMemory(), &fakeAuthority{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop kept running after cancel")
	}
}
