package deeplink

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/proupgrade/internal/crypto/sealer"
	"github.com/and161185/proupgrade/internal/errs"
)

// AddrFile is the name of the file, under the config dir, that advertises the relay.
const AddrFile = "relay.addr"

const (
	pathOpen     = "/open"
	secretHeader = "X-Relay-Secret"
)

type endpoint struct {
	Addr   string `json:"addr"`
	Secret string `json:"secret"`
	PID    int    `json:"pid"`
}

type openRequest struct {
	URLs []string `json:"urls"`
}

// Relay lets a second process started by the OS for a custom-scheme URL hand
// that URL to the running instance over loopback.
type Relay struct {
	dir string
	log *zap.Logger

	mu     sync.Mutex
	subs   map[int]func([]string)
	nextID int
	srv    *http.Server
	ep     endpoint
}

var _ Source = (*Relay)(nil)

// NewRelay creates a relay advertising itself in dir.
func NewRelay(dir string, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{dir: dir, log: log, subs: map[int]func([]string){}}
}

// Subscribe registers fn for every forwarded batch.
func (r *Relay) Subscribe(fn func(urls []string)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Start binds the relay and writes its address file.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.srv != nil {
		return errs.ErrAlreadyRunning
	}

	secret, err := sealer.Rand(16)
	if err != nil {
		return fmt.Errorf("relay secret: %w", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrListener, err)
	}
	ep := endpoint{Addr: ln.Addr().String(), Secret: hex.EncodeToString(secret), PID: os.Getpid()}
	if err := writeEndpoint(r.dir, ep); err != nil {
		_ = ln.Close()
		return err
	}

	router := chi.NewRouter()
	router.Post(pathOpen, r.handleOpen(ep.Secret))
	r.srv = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	r.ep = ep

	srv := r.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn("deep-link relay stopped", zap.Error(err))
		}
	}()
	r.log.Debug("deep-link relay listening", zap.String("addr", ep.Addr))
	return nil
}

// Addr returns the bound address, or "" when stopped.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.srv == nil {
		return ""
	}
	return r.ep.Addr
}

// Stop shuts the relay down and removes the address file. Safe to call twice.
func (r *Relay) Stop() error {
	r.mu.Lock()
	srv, ep := r.srv, r.ep
	r.srv = nil
	r.mu.Unlock()
	if srv == nil {
		return nil
	}

	// Another instance may have taken over the file.
	if cur, err := readEndpoint(r.dir); err == nil && cur.Secret == ep.Secret {
		_ = os.Remove(filepath.Join(r.dir, AddrFile))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}

func (r *Relay) handleOpen(secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if subtle.ConstantTimeCompare([]byte(req.Header.Get(secretHeader)), []byte(secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var in openRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&in); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		r.dispatch(in.URLs)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (r *Relay) dispatch(urls []string) {
	r.mu.Lock()
	fns := make([]func([]string), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	r.log.Debug("deep links forwarded", zap.Int("count", len(urls)), zap.Int("subscribers", len(fns)))
	for _, fn := range fns {
		fn(urls)
	}
}

// Forward hands urls to the instance advertised in dir. errs.ErrNoRelay means
// nothing is running there.
func Forward(ctx context.Context, dir string, urls []string) error {
	ep, err := readEndpoint(dir)
	if errors.Is(err, os.ErrNotExist) {
		return errs.ErrNoRelay
	}
	if err != nil {
		return err
	}
	body, err := json.Marshal(openRequest{URLs: urls})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+ep.Addr+pathOpen, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, ep.Secret)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNoRelay, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("relay answered %d", resp.StatusCode)
	}
	return nil
}

func writeEndpoint(dir string, ep endpoint) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, AddrFile), b, 0o600)
}

func readEndpoint(dir string) (endpoint, error) {
	var ep endpoint
	b, err := os.ReadFile(filepath.Join(dir, AddrFile))
	if err != nil {
		return ep, err
	}
	if err := json.Unmarshal(b, &ep); err != nil {
		return ep, fmt.Errorf("parse %s: %w", AddrFile, err)
	}
	return ep, nil
}
