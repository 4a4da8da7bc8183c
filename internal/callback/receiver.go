// Package callback runs the short-lived loopback listener that receives the
// browser redirect at the end of a sign-in.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/model"
)

const shutdownTimeout = 2 * time.Second

// Response is what every inbound request is answered with.
type Response struct {
	Body    string
	Headers map[string]string
	// Cleanup stops the listener right after the first accepted delivery.
	Cleanup bool
}

// NoCacheHeaders are the headers sent with the callback page.
func NoCacheHeaders() map[string]string {
	return map[string]string{
		"Content-Type":  "text/html; charset=utf-8",
		"Cache-Control": "no-store, no-cache, must-revalidate",
		"Pragma":        "no-cache",
	}
}

// Sink receives the full redirect URL. It reports whether the delivery was accepted.
type Sink func(rawURL string) bool

type run struct {
	srv       *http.Server
	port      int
	delivered atomic.Bool
	stopOnce  sync.Once
}

// Receiver accepts a single redirect on 127.0.0.1 and then goes away.
type Receiver struct {
	log  *zap.Logger
	host string

	mu  sync.Mutex
	cur *run
}

// New constructs a receiver bound to the loopback interface.
func New(log *zap.Logger) *Receiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{log: log, host: "127.0.0.1"}
}

// Start binds a platform-assigned port and returns it.
func (r *Receiver) Start(cfg Response, sink Sink) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return 0, errs.ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(r.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrListener, err)
	}
	ru := &run{port: ln.Addr().(*net.TCPAddr).Port}
	ru.srv = &http.Server{
		Handler:           r.handler(ru, cfg, sink),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.cur = ru

	go func() {
		if err := ru.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn("callback listener stopped", zap.Error(err), zap.Int("port", ru.port))
		}
	}()
	r.log.Debug("callback listener started", zap.Int("port", ru.port))
	return ru.port, nil
}

func (r *Receiver) handler(ru *run, cfg Response, sink Sink) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		for k, v := range cfg.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(cfg.Body))

		raw := "http://" + net.JoinHostPort(r.host, strconv.Itoa(ru.port)) + req.URL.RequestURI()
		if !model.HasTokenMarker(raw) {
			r.log.Debug("callback without token ignored", zap.String("path", req.URL.Path))
			return
		}
		if !ru.delivered.CompareAndSwap(false, true) {
			r.log.Debug("duplicate callback dropped")
			return
		}
		accepted := sink(raw)
		r.log.Debug("callback delivered", zap.Bool("accepted", accepted))
		if cfg.Cleanup {
			// Shutdown waits for this handler, so it must not run inline.
			go r.stopRun(ru)
		}
	})
}

// Port returns the bound port, or 0 when not running.
func (r *Receiver) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return 0
	}
	return r.cur.port
}

// Running reports whether a listener is bound.
func (r *Receiver) Running() bool { return r.Port() != 0 }

// Stop tears the listener down. Stopping an idle receiver is not an error.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	ru := r.cur
	r.mu.Unlock()
	if ru == nil {
		return nil
	}
	return r.stopRun(ru)
}

func (r *Receiver) stopRun(ru *run) error {
	var err error
	ru.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err = ru.srv.Shutdown(ctx); err != nil {
			err = ru.srv.Close()
		}
		r.log.Debug("callback listener stopped", zap.Int("port", ru.port))
	})

	r.mu.Lock()
	if r.cur == ru {
		r.cur = nil
	}
	r.mu.Unlock()
	return err
}
