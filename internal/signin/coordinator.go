package signin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/proupgrade/internal/api"
	"github.com/and161185/proupgrade/internal/browser"
	"github.com/and161185/proupgrade/internal/callback"
	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/store"
	"github.com/and161185/proupgrade/internal/window"
)

// DefaultFocusDelay is how long the window waits before taking focus back
// from the browser.
const DefaultFocusDelay = 500 * time.Millisecond

// DefaultResponseBody is served to the browser by the callback listener.
const DefaultResponseBody = `<!doctype html><html><head><title>Signed in</title></head>` +
	`<body><p>You are signed in. You can close this tab and return to the app.</p></body></html>`

// Receiver is the loopback listener used by an attempt.
type Receiver interface {
	Start(cfg callback.Response, sink callback.Sink) (int, error)
	Stop() error
}

// Billing is the part of the desktop API the coordinator calls.
type Billing interface {
	SessionRequestURL(port int, platform string) string
	CheckoutURL(ctx context.Context, token, priceID string) (string, error)
}

var (
	_ Receiver = (*callback.Receiver)(nil)
	_ Billing  = (*api.Client)(nil)
)

// Config tunes a Coordinator.
type Config struct {
	Transport    model.Transport
	Prices       map[model.PlanType]string
	FocusDelay   time.Duration
	ResponseBody string
	WindowLabel  string
}

func (c Config) platform() string {
	if c.Transport == model.TransportDeepLink {
		return api.PlatformDesktop
	}
	return api.PlatformWeb
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store    store.Store
	Receiver Receiver
	Resolver *Resolver
	Billing  Billing
	Browser  browser.Opener
	Windows  window.Manager
}

// Outcome is the result of a completed sign-in or upgrade.
type Outcome struct {
	Session     *model.Session
	CheckoutURL string
	// CheckoutErr is set when the checkout step failed; the session is still valid.
	CheckoutErr error
}

type attempt struct {
	id      uuid.UUID
	ch      <-chan Delivery
	abandon chan struct{}
	once    sync.Once
}

func (a *attempt) cancel() { a.once.Do(func() { close(a.abandon) }) }

// Coordinator drives sign-in attempts. At most one attempt is open at a time.
type Coordinator struct {
	cfg Config
	d   Deps
	log *zap.Logger

	mu  sync.Mutex
	cur *attempt
}

// NewCoordinator wires a coordinator. A nil Resolver gets a fresh one.
func NewCoordinator(d Deps, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Resolver == nil {
		d.Resolver = NewResolver()
	}
	if d.Windows == nil {
		d.Windows = window.Headless{Log: log}
	}
	if cfg.FocusDelay <= 0 {
		cfg.FocusDelay = DefaultFocusDelay
	}
	if cfg.ResponseBody == "" {
		cfg.ResponseBody = DefaultResponseBody
	}
	if cfg.WindowLabel == "" {
		cfg.WindowLabel = window.Upgrade
	}
	if cfg.Transport == "" {
		cfg.Transport = model.TransportLoopback
	}
	return &Coordinator{cfg: cfg, d: d, log: log}
}

// Resolver returns the attempt rendezvous shared with the deep-link channel.
func (c *Coordinator) Resolver() *Resolver { return c.d.Resolver }

// BeginSignIn runs one attempt: listener, browser, first delivery, persist,
// refocus, checkout. An empty plan skips the checkout step.
func (c *Coordinator) BeginSignIn(ctx context.Context, plan model.PlanType) (*Outcome, error) {
	a, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer c.finish(a)

	sess, err := c.authenticate(ctx, a)
	if err != nil {
		return nil, err
	}
	c.log.Info("signed in", zap.String("user_id", sess.UserID), zap.Stringer("attempt", a.id))

	out := &Outcome{Session: sess}
	c.refocus(ctx)
	if plan != "" {
		c.checkout(ctx, plan, sess, out)
	}
	return out, nil
}

// Upgrade opens checkout for plan, signing in first when there is no usable session.
func (c *Coordinator) Upgrade(ctx context.Context, plan model.PlanType) (*Outcome, error) {
	sess, err := c.d.Store.Get()
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if sess == nil || sess.Validate() != nil || sess.Expired(time.Now()) {
		return c.BeginSignIn(ctx, plan)
	}
	out := &Outcome{Session: sess}
	c.checkout(ctx, plan, sess, out)
	return out, nil
}

// SignOut clears the stored session.
func (c *Coordinator) SignOut() error {
	if err := c.d.Store.Set(nil); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	c.log.Info("signed out")
	return nil
}

// Close abandons the open attempt, if any, and stops the listener. It may be
// called any number of times.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	a := c.cur
	c.mu.Unlock()
	if a != nil {
		a.cancel()
	}
	return c.d.Receiver.Stop()
}

func (c *Coordinator) begin() (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return nil, errs.ErrAttemptInFlight
	}
	if err := c.d.Receiver.Stop(); err != nil {
		c.log.Warn("stop previous callback listener", zap.Error(err))
	}
	id, ch, err := c.d.Resolver.Open()
	if err != nil {
		return nil, fmt.Errorf("open attempt: %w", err)
	}
	c.cur = &attempt{id: id, ch: ch, abandon: make(chan struct{})}
	return c.cur, nil
}

func (c *Coordinator) finish(a *attempt) {
	c.d.Resolver.Close(a.id)
	if err := c.d.Receiver.Stop(); err != nil {
		c.log.Warn("stop callback listener", zap.Error(err))
	}
	c.mu.Lock()
	if c.cur == a {
		c.cur = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) authenticate(ctx context.Context, a *attempt) (*model.Session, error) {
	resp := callback.Response{
		Body:    c.cfg.ResponseBody,
		Headers: callback.NoCacheHeaders(),
		Cleanup: true,
	}
	port, err := c.d.Receiver.Start(resp, func(raw string) bool {
		return c.d.Resolver.Claim(a.id, ChannelLoopback, raw)
	})
	if err != nil {
		if serr := c.d.Receiver.Stop(); serr != nil {
			c.log.Warn("stop callback listener", zap.Error(serr))
		}
		return nil, c.fail(errs.NewAuthFailure(errs.ReasonListenerStart, err))
	}

	target := c.d.Billing.SessionRequestURL(port, c.cfg.platform())
	c.withWindow("hide", window.Window.Hide)
	if err := c.d.Browser.Open(target); err != nil {
		c.withWindow("show", window.Window.Show)
		return nil, c.fail(errs.NewAuthFailure(errs.ReasonBrowserOpen, err))
	}
	c.log.Debug("waiting for sign-in", zap.Stringer("attempt", a.id), zap.Int("port", port))

	var d Delivery
	select {
	case d = <-a.ch:
	case <-ctx.Done():
		c.log.Info("sign-in abandoned", zap.Stringer("attempt", a.id), zap.Error(ctx.Err()))
		return nil, fmt.Errorf("%w: %w", errs.ErrAbandoned, ctx.Err())
	case <-a.abandon:
		c.log.Info("sign-in abandoned", zap.Stringer("attempt", a.id))
		return nil, errs.ErrAbandoned
	}
	if err := c.d.Receiver.Stop(); err != nil {
		c.log.Warn("stop callback listener", zap.Error(err))
	}
	c.log.Debug("sign-in delivered", zap.String("channel", string(d.Channel)))

	p, err := model.ParseAuthURL(d.URL)
	if err != nil {
		return nil, c.fail(err)
	}
	sess, err := c.d.Store.Update(func(prev *model.Session) (*model.Session, error) {
		next := model.MergeSignIn(prev, p)
		return &next, nil
	})
	if err != nil {
		return nil, c.fail(errs.NewAuthFailure(errs.ReasonPersist, err))
	}
	return sess, nil
}

// fail clears the store so no half-authenticated state survives err.
func (c *Coordinator) fail(err error) error {
	var af *errs.AuthFailure
	if errors.As(err, &af) {
		c.log.Warn("sign-in failed", zap.String("reason", string(af.Reason)), zap.Error(err))
	}
	if cerr := c.d.Store.Set(nil); cerr != nil {
		c.log.Error("clear session after failed sign-in", zap.Error(cerr))
	}
	return err
}

func (c *Coordinator) refocus(ctx context.Context) {
	c.withWindow("show", window.Window.Show)
	t := time.NewTimer(c.cfg.FocusDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}
	c.withWindow("show", window.Window.Show)
	c.withWindow("focus", window.Window.SetFocus)
}

func (c *Coordinator) checkout(ctx context.Context, plan model.PlanType, sess *model.Session, out *Outcome) {
	price, ok := c.cfg.Prices[plan]
	if !ok || price == "" {
		out.CheckoutErr = fmt.Errorf("%w: %w: %q", errs.ErrCheckoutFetch, errs.ErrUnknownPrice, plan)
		c.log.Warn("checkout skipped", zap.Error(out.CheckoutErr))
		return
	}
	u, err := c.d.Billing.CheckoutURL(ctx, sess.Token, price)
	if err != nil {
		out.CheckoutErr = err
		c.log.Warn("checkout url", zap.String("plan", string(plan)), zap.Error(err))
		return
	}
	if err := c.d.Browser.Open(u); err != nil {
		out.CheckoutErr = fmt.Errorf("%w: open browser: %w", errs.ErrCheckoutFetch, err)
		c.log.Warn("open checkout", zap.Error(err))
		return
	}
	out.CheckoutURL = u
	c.withWindow("minimize", window.Window.Minimize)
}

// withWindow runs a best-effort action on the flow window.
func (c *Coordinator) withWindow(name string, fn func(window.Window) error) {
	w, ok := c.d.Windows.ByLabel(c.cfg.WindowLabel)
	if !ok {
		c.log.Debug("window not found", zap.String("label", c.cfg.WindowLabel))
		return
	}
	if err := fn(w); err != nil {
		c.log.Warn("window "+name, zap.String("label", c.cfg.WindowLabel), zap.Error(err))
	}
}
