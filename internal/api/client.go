// Package api is the desktop client for the billing and entitlement endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/proupgrade/internal/errs"
)

// Endpoint paths served by the desktop API.
const (
	PathSessionRequest = "/api/desktop/session/request"
	PathSubscribe      = "/api/desktop/subscribe"
	PathPlan           = "/api/desktop/plan"
)

// Platform values sent with a session request.
const (
	PlatformWeb     = "web"
	PlatformDesktop = "desktop"
)

// SubscribeRequest asks for a checkout URL.
type SubscribeRequest struct {
	PriceID string `json:"priceId"`
}

// SubscribeResponse carries the billing provider checkout URL.
type SubscribeResponse struct {
	URL string `json:"url"`
}

// PlanResponse reports the entitlement of the caller.
type PlanResponse struct {
	Upgraded bool `json:"upgraded"`
}

// Client talks to the desktop API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	log        *zap.Logger
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// SessionRequestURL is the page that signs the user in and redirects back to
// the loopback port or the deep-link scheme.
func (c *Client) SessionRequestURL(port int, platform string) string {
	q := url.Values{}
	q.Set("port", strconv.Itoa(port))
	q.Set("platform", platform)
	return c.BaseURL + PathSessionRequest + "?" + q.Encode()
}

// CheckoutURL requests a checkout URL for priceID. Only HTTP 200 is success.
func (c *Client) CheckoutURL(ctx context.Context, token, priceID string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, PathSubscribe, token, SubscribeRequest{PriceID: priceID})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrCheckoutFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: status %d: %s", errs.ErrCheckoutFetch, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out SubscribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode: %w", errs.ErrCheckoutFetch, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("%w: empty url", errs.ErrCheckoutFetch)
	}
	return out.URL, nil
}

// IsUpgraded asks whether the session owning token has a paid plan.
func (c *Client) IsUpgraded(ctx context.Context, token string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, PathPlan, token, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w", errs.ErrPoll, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return false, fmt.Errorf("%w: %w", errs.ErrPoll, errs.ErrUnauthorized)
	default:
		return false, fmt.Errorf("%w: status %d", errs.ErrPoll, resp.StatusCode)
	}
	var out PlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: decode: %w", errs.ErrPoll, err)
	}
	return out.Upgraded, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.log.Debug("api request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, err
	}
	c.log.Debug("api",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)
	return resp, nil
}
