// Package api provides the Sourcely backend client: authenticated JSON
// calls with transparent single-flight access-token refresh, plus typed
// wrappers for every endpoint the backend exposes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/AmossDvir1/sourcely-go/internal/keystore"
)

// DefaultTimeout bounds every request, including the refresh call, so a
// hung connection cannot suspend its caller forever.
const DefaultTimeout = 30 * time.Second

// Config holds client configuration.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.sourcely.dev".
	BaseURL string

	// APIVersion is the version segment of API paths, e.g. "v1".
	APIVersion string

	// Timeout bounds each HTTP call. Zero means DefaultTimeout.
	Timeout time.Duration

	// Keystore holds the persisted access token. Required.
	Keystore keystore.Store

	// HTTPClient overrides the transport for both the main and the
	// refresh client. Used in tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client performs authenticated calls against the Sourcely backend.
//
// When a request fails with 401 while carrying a bearer token, the client
// refreshes the token and retries the request once. Concurrent 401s collapse
// into a single refresh call; requests that faulted while it was in flight
// wait for its outcome and are then retried with the new token or rejected
// with the refresh error.
type Client struct {
	base       string // BaseURL + "/api/" + version, for regular calls
	refreshURL string // BaseURL + "/auth/refresh", outside the versioned API
	http       *http.Client
	refresh    *http.Client // never enters the 401-refresh flow
	store      keystore.Store
	logger     *slog.Logger

	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshResult

	cbMu          sync.Mutex
	onAuthFailure func()
}

type refreshResult struct {
	token string
	err   error
}

// New creates a Client. The refresh call uses a dedicated transport so its
// own failures can never recursively trigger another refresh, while sharing
// the cookie jar so the http-only refresh cookie round-trips.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("api: Keystore is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	refreshClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("api: create cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: cfg.Timeout, Jar: jar}
		refreshClient = &http.Client{Timeout: cfg.Timeout, Jar: jar}
	}

	return &Client{
		base:       base + "/api/" + cfg.APIVersion,
		refreshURL: base + "/auth/refresh",
		http:       httpClient,
		refresh:    refreshClient,
		store:      cfg.Keystore,
		logger:     cfg.Logger,
	}, nil
}

// SetAuthFailureHandler registers the callback invoked when a token refresh
// fails unrecoverably. The session manager uses it to force logout.
func (c *Client) SetAuthFailureHandler(fn func()) {
	c.cbMu.Lock()
	c.onAuthFailure = fn
	c.cbMu.Unlock()
}

// Do performs a JSON call against path (relative to the versioned API base),
// attaching the persisted bearer token when one exists. body may be nil; out
// may be nil to discard the response body.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
	}

	token := c.currentToken(ctx)
	status, data, err := c.send(ctx, method, path, token, payload)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}

	// A 401 is only refreshable when the request actually carried a bearer
	// token. Unauthenticated callers hitting a protected route get the 401
	// back directly; this, plus retrying at most once, rules out loops.
	if status == http.StatusUnauthorized && token != "" {
		newToken, refreshErr := c.refreshToken(ctx, path)
		if refreshErr != nil {
			return fmt.Errorf("api: %s %s: %w: %v", method, path, ErrRefreshFailed, refreshErr)
		}
		status, data, err = c.send(ctx, method, path, newToken, payload)
		if err != nil {
			return fmt.Errorf("api: %s %s (retry): %w", method, path, err)
		}
	}

	if status >= 400 {
		return c.statusError(status, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("api: decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) currentToken(ctx context.Context) string {
	token, err := c.store.Get(ctx, keystore.KeyAuthToken)
	if err != nil {
		return ""
	}
	return token
}

func (c *Client) send(ctx context.Context, method, path, token string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// refreshToken obtains a new access token, collapsing concurrent callers
// into one refresh call. The caller that initiated the refresh reports the
// outcome; callers that arrived while it was in flight just wait for it.
func (c *Client) refreshToken(ctx context.Context, originPath string) (string, error) {
	c.mu.Lock()
	if c.refreshing {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case res := <-ch:
			return res.token, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.refreshing = true
	c.mu.Unlock()

	token, err := c.callRefresh(ctx)
	if err == nil {
		c.logger.Debug("access token refreshed")
		if storeErr := c.store.Set(ctx, keystore.KeyAuthToken, token); storeErr != nil {
			c.logger.Warn("failed to persist refreshed token", "error", storeErr)
		}
	} else {
		c.logger.Warn("token refresh failed", "error", err)
		if delErr := c.store.Delete(context.WithoutCancel(ctx), keystore.KeyAuthToken); delErr != nil {
			c.logger.Warn("failed to clear persisted token", "error", delErr)
		}
	}

	// Settle every queued request exactly once, then leave refreshing mode.
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()
	for _, w := range waiters {
		w <- refreshResult{token: token, err: err}
	}

	if err != nil {
		// The initial session-verification call handles its own failure;
		// announcing it globally would double-drive the session machine.
		if !strings.HasPrefix(originPath, "/auth/verify") {
			c.fireAuthFailure()
		}
		return "", err
	}
	return token, nil
}

// callRefresh performs the refresh call on the dedicated transport. It
// carries no bearer token; the backend authenticates it by http-only cookie.
func (c *Client) callRefresh(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL, nil)
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}

	resp, err := c.refresh.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("refresh response missing access_token")
	}
	return body.AccessToken, nil
}

func (c *Client) fireAuthFailure() {
	c.cbMu.Lock()
	fn := c.onAuthFailure
	c.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) statusError(status int, data []byte) error {
	message := errorMessage(data)
	switch status {
	case http.StatusUnauthorized:
		if message != "" {
			return fmt.Errorf("%w: %s", ErrUnauthenticated, message)
		}
		return ErrUnauthenticated
	case http.StatusNotFound:
		if message != "" {
			return fmt.Errorf("%w: %s", ErrNotFound, message)
		}
		return ErrNotFound
	default:
		return &APIError{Status: status, Message: message}
	}
}

func errorMessage(data []byte) string {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Detail
}
