package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/proupgrade/internal/api"
	"github.com/and161185/proupgrade/internal/browser"
	"github.com/and161185/proupgrade/internal/callback"
	"github.com/and161185/proupgrade/internal/config"
	"github.com/and161185/proupgrade/internal/deeplink"
	"github.com/and161185/proupgrade/internal/entitlement"
	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/signin"
	"github.com/and161185/proupgrade/internal/store"
	"github.com/and161185/proupgrade/internal/window"
)

// Swapped in tests.
var newOpener = func() browser.Opener { return browser.System{} }

type options struct {
	apiURL    string
	transport string
	dir       string
	verbose   bool
}

type app struct {
	cfg   config.Config
	log   *zap.Logger
	store *store.File
	api   *api.Client
}

func newApp(opts *options) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.apiURL != "" {
		cfg.APIURL = opts.apiURL
	}
	if opts.transport != "" {
		cfg.Transport = model.Transport(opts.transport)
	}
	if opts.dir != "" {
		cfg.Dir = opts.dir
	}
	cfg.Verbose = cfg.Verbose || opts.verbose
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	st, err := store.OpenFile(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &app{cfg: cfg, log: log, store: st, api: api.NewClient(cfg.APIURL, log)}, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return zc.Build()
}

func (a *app) newCoordinator() *signin.Coordinator {
	return signin.NewCoordinator(signin.Deps{
		Store:    a.store,
		Receiver: callback.New(a.log.Named("callback")),
		Billing:  a.api,
		Browser:  newOpener(),
		Windows:  window.Headless{Log: a.log},
	}, signin.Config{
		Transport:  a.cfg.Transport,
		Prices:     a.cfg.Prices(),
		FocusDelay: a.cfg.FocusDelay,
	}, a.log.Named("signin"))
}

// coordinator wires a coordinator for an interactive sign-in. On the deep-link
// transport it also runs the relay fed by `proupgrade open-url`. release tears
// both down.
func (a *app) coordinator() (c *signin.Coordinator, release func()) {
	c = a.newCoordinator()
	if a.cfg.Transport != model.TransportDeepLink {
		return c, func() { _ = c.Close() }
	}

	relay := deeplink.NewRelay(a.cfg.Dir, a.log.Named("relay"))
	if err := relay.Start(); err != nil {
		a.log.Warn("deep-link relay unavailable, waiting on loopback only", zap.Error(err))
		return c, func() { _ = c.Close() }
	}
	detach := deeplink.NewInterceptor(a.cfg.Transport, c.Resolver(), a.log.Named("deeplink")).Attach(relay)
	return c, func() {
		detach()
		_ = relay.Stop()
		_ = c.Close()
	}
}

func (a *app) poller(onUpgraded func(model.Session)) *entitlement.Poller {
	return entitlement.New(a.store, a.api, entitlement.Config{
		Interval:   a.cfg.PollInterval,
		OnUpgraded: onUpgraded,
	}, a.log.Named("entitlement"))
}

func (a *app) close() { _ = a.log.Sync() }
