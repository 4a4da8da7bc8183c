package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/proupgrade/internal/api"
	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/limiter"
	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/service"
)

type memAccounts struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.Account
}

func (m *memAccounts) UpsertByEmail(_ context.Context, id uuid.UUID, email string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.Email == email {
			c := *a
			return &c, nil
		}
	}
	a := &model.Account{ID: id, Email: email, CreatedAt: time.Now()}
	m.byID[id] = a
	c := *a
	return &c, nil
}

func (m *memAccounts) GetByID(_ context.Context, id uuid.UUID) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *memAccounts) MarkUpgraded(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.Upgraded = true
	return nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

const webhookKey = "hook-key"

func newTestServer(t *testing.T, db Pinger) (*httptest.Server, *memAccounts) {
	t.Helper()
	return newTestServerWith(t, db, Config{Dev: true, DevEmail: "dev@example.com", WebhookKey: webhookKey})
}

func newTestServerWith(t *testing.T, db Pinger, cfg Config) (*httptest.Server, *memAccounts) {
	t.Helper()
	accounts := &memAccounts{byID: map[uuid.UUID]*model.Account{}}
	lim := limiter.NewMemory(time.Minute, 3, time.Minute)
	sessions := service.NewSessionService(accounts, []byte("test-key"), time.Hour, lim)
	billing, err := service.NewBillingService(accounts, "https://pay.test/checkout", []string{"price_pro_yearly"})
	require.NoError(t, err)
	s := New(sessions, billing, db, cfg, zaptest.NewLogger(t))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, accounts
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func requestSession(t *testing.T, srv *httptest.Server, c *api.Client, port int, platform string) (*url.URL, model.Params) {
	t.Helper()
	resp, err := noRedirect().Get(c.SessionRequestURL(port, platform))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	p, err := model.ParseAuthURL(loc.String())
	require.NoError(t, err)
	return loc, p
}

func TestSessionRequest_Redirects(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	c := api.NewClient(srv.URL, nil)

	loc, p := requestSession(t, srv, c, 43123, api.PlatformWeb)
	require.Equal(t, "http", loc.Scheme)
	require.Equal(t, "127.0.0.1:43123", loc.Host)
	require.True(t, model.HasTokenMarker(loc.String()))
	require.Greater(t, p.ExpiresAt, time.Now().Unix())

	loc, p2 := requestSession(t, srv, c, 43123, api.PlatformDesktop)
	require.Equal(t, "proupgrade", loc.Scheme)
	require.Equal(t, "signin", loc.Host)
	require.Equal(t, p.UserID, p2.UserID, "same dev account")
}

func TestSessionRequest_OnlyInDevMode(t *testing.T) {
	t.Parallel()
	srv, accounts := newTestServerWith(t, nil, Config{DevEmail: "dev@example.com"})

	resp, err := noRedirect().Get(api.NewClient(srv.URL, nil).SessionRequestURL(43123, api.PlatformWeb) + "&email=victim@example.com")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Location"))
	require.Empty(t, accounts.byID, "no account was created")
}

func TestSessionRequest_BadInput(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	for name, q := range map[string]string{
		"no port":      "platform=web",
		"port range":   "platform=web&port=70000",
		"bad platform": "platform=tv&port=1",
		"bad email":    "platform=web&port=1&email=nope",
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := noRedirect().Get(srv.URL + api.PathSessionRequest + "?" + q)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCheckoutAndPlan_WithClient(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	c := api.NewClient(srv.URL, zaptest.NewLogger(t))
	ctx := context.Background()
	_, p := requestSession(t, srv, c, 1, api.PlatformWeb)

	u, err := c.CheckoutURL(ctx, p.Token, "price_pro_yearly")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "https://pay.test/checkout?"))
	require.Contains(t, u, "client_reference_id="+p.UserID)

	_, err = c.CheckoutURL(ctx, p.Token, "price_unknown")
	require.ErrorIs(t, err, errs.ErrCheckoutFetch)
	require.Contains(t, err.Error(), "status 400")

	up, err := c.IsUpgraded(ctx, p.Token)
	require.NoError(t, err)
	require.False(t, up)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/desktop/accounts/"+p.UserID+"/upgrade", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderWebhookKey, webhookKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	up, err = c.IsUpgraded(ctx, p.Token)
	require.NoError(t, err)
	require.True(t, up)
}

func TestMarkUpgraded_Guarded(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	post := func(id, key string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/desktop/accounts/"+id+"/upgrade", nil)
		require.NoError(t, err)
		if key != "" {
			req.Header.Set(HeaderWebhookKey, key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	id := uuid.Must(uuid.NewV4()).String()
	require.Equal(t, http.StatusForbidden, post(id, ""))
	require.Equal(t, http.StatusForbidden, post(id, "wrong"))
	require.Equal(t, http.StatusBadRequest, post("not-a-uuid", webhookKey))
	require.Equal(t, http.StatusNotFound, post(id, webhookKey))
}

func TestBearer_RejectsAndRateLimits(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	c := api.NewClient(srv.URL, nil)
	ctx := context.Background()

	_, err := c.IsUpgraded(ctx, "")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	for i := 0; i < 2; i++ {
		_, err = c.IsUpgraded(ctx, "forged")
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	}
	// Third failure trips the block; later calls are refused outright.
	for i := 0; i < 2; i++ {
		_, err = c.IsUpgraded(ctx, "forged")
		require.ErrorIs(t, err, errs.ErrPoll)
		require.Contains(t, err.Error(), "status "+strconv.Itoa(http.StatusTooManyRequests))
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ok, _ := newTestServer(t, pinger{})
	resp, err := http.Get(ok.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	down, _ := newTestServer(t, pinger{err: errors.New("refused")})
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRecover_CatchesPanic(t *testing.T) {
	t.Parallel()
	h := Recover(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("oh no")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLogging_Passthrough(t *testing.T) {
	t.Parallel()
	h := Logging(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("tea"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "tea", rec.Body.String())
}

func TestAccountIDFromCtx(t *testing.T) {
	t.Parallel()
	_, ok := AccountIDFromCtx(context.Background())
	require.False(t, ok)
	id := uuid.Must(uuid.NewV4())
	got, ok := AccountIDFromCtx(WithAccountID(context.Background(), id))
	require.True(t, ok)
	require.Equal(t, id, got)
}
