// Package httpapi serves the desktop sign-in, checkout and plan endpoints.
//
// The session request endpoint signs in whatever email it is given without any
// proof of identity. It is a local stand-in for the real sign-in page and is only
// mounted when Config.Dev is set; never enable it outside development.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/proupgrade/internal/api"
	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/service"
)

// PathMarkUpgraded stands in for the billing provider webhook.
const PathMarkUpgraded = "/api/desktop/accounts/{id}/upgrade"

// HeaderWebhookKey carries the shared key for PathMarkUpgraded.
const HeaderWebhookKey = "X-Webhook-Key"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds request handling settings.
type Config struct {
	// Scheme is the desktop URL scheme used for platform=desktop redirects.
	Scheme string
	// Dev mounts the unauthenticated session request endpoint.
	Dev bool
	// DevEmail signs in requests that do not name an email.
	DevEmail string
	// WebhookKey enables PathMarkUpgraded when set.
	WebhookKey string
}

// Server wires services into HTTP handlers.
type Server struct {
	sessions service.SessionService
	billing  service.BillingService
	db       Pinger
	cfg      Config
	log      *zap.Logger
}

// New constructs the HTTP API. db may be nil.
func New(sessions service.SessionService, billing service.BillingService, db Pinger, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "proupgrade"
	}
	return &Server{sessions: sessions, billing: billing, db: db, cfg: cfg, log: log}
}

// Handler returns the routed handler with logging and recovery applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.log), Logging(s.log))

	r.Get("/healthz", s.health)
	if s.cfg.Dev {
		r.Get(api.PathSessionRequest, s.sessionRequest)
	}
	r.Group(func(r chi.Router) {
		r.Use(Bearer(s.sessions, s.log))
		r.Post(api.PathSubscribe, s.subscribe)
		r.Get(api.PathPlan, s.plan)
	})
	if s.cfg.WebhookKey != "" {
		r.Post(PathMarkUpgraded, s.markUpgraded)
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.log.Warn("health: database", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionRequest signs the caller in and redirects back to the desktop app.
func (s *Server) sessionRequest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	platform := q.Get("platform")
	if platform == "" {
		platform = api.PlatformWeb
	}
	if platform != api.PlatformWeb && platform != api.PlatformDesktop {
		writeError(w, http.StatusBadRequest, "bad platform")
		return
	}
	port, err := strconv.Atoi(q.Get("port"))
	if platform == api.PlatformWeb && (err != nil || port < 1 || port > 65535) {
		writeError(w, http.StatusBadRequest, "bad port")
		return
	}
	email := q.Get("email")
	if email == "" {
		email = s.cfg.DevEmail
	}
	if email == "" {
		writeError(w, http.StatusBadRequest, "email required")
		return
	}

	iss, err := s.sessions.SignIn(r.Context(), email)
	if err != nil {
		s.log.Warn("sign-in", zap.Error(err))
		writeError(w, http.StatusBadRequest, "sign-in failed")
		return
	}

	back := url.Values{}
	back.Set("token", iss.Token)
	back.Set("user_id", iss.Account.ID.String())
	back.Set("expires", strconv.FormatInt(iss.ExpiresAt.Unix(), 10))

	var target string
	if platform == api.PlatformWeb {
		target = "http://127.0.0.1:" + strconv.Itoa(port) + "/?" + back.Encode()
	} else {
		target = s.cfg.Scheme + "://signin?" + back.Encode()
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no auth")
		return
	}
	var req api.SubscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	u, err := s.billing.CheckoutURL(r.Context(), id, req.PriceID)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrUnknownPrice):
			writeError(w, http.StatusBadRequest, "unknown price")
		case errors.Is(err, errs.ErrNotFound):
			writeError(w, http.StatusNotFound, "account not found")
		default:
			s.log.Error("checkout url", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal")
		}
		return
	}
	writeJSON(w, http.StatusOK, api.SubscribeResponse{URL: u})
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no auth")
		return
	}
	up, err := s.billing.IsUpgraded(r.Context(), id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.log.Error("plan", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, api.PlanResponse{Upgraded: up})
}

func (s *Server) markUpgraded(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderWebhookKey)
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.WebhookKey)) != 1 {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	if err := s.billing.MarkUpgraded(r.Context(), id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.log.Error("mark upgraded", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	s.log.Info("account upgraded", zap.String("account_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
