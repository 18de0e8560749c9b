// Package cloud is the client for the device management cloud API: device
// inventory, package metadata, update assignments and remote-access sessions.
//
// Construction does no I/O. Call Init once to obtain a bearer token; every
// other method returns ErrNotInitialized until it succeeds. All requests run
// under a retry.Policy.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"aval/internal/clock"
	"aval/internal/retry"
)

const (
	DefaultBaseURL  = "https://app.torizon.io/api/v2beta"
	DefaultTokenURL = "https://kc.torizon.io/auth/realms/ota-users/protocol/openid-connect/token"

	defaultRequestTimeout = 60 * time.Second
	// tokenRefreshMargin renews the token this long before it expires.
	tokenRefreshMargin = 60 * time.Second
)

var (
	// ErrNotInitialized is returned by every call made before a successful Init.
	ErrNotInitialized = errors.New("cloud client not initialized")
	// ErrAuthFailed is returned when the token endpoint rejects the credentials.
	ErrAuthFailed = errors.New("cloud authentication failed")
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client
	Retry      retry.Policy
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Client talks to the cloud API. It is safe for concurrent use.
type Client struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	http         *http.Client
	retry        retry.Policy
	clock        clock.Clock
	logger       *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	initialized bool
}

// New returns a Client. It performs no network calls.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http:         cfg.HTTPClient,
		retry:        cfg.Retry,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.tokenURL == "" {
		c.tokenURL = DefaultTokenURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultRequestTimeout}
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retry.Logger == nil {
		c.retry.Logger = c.logger
	}
	return c
}

// Init obtains the first bearer token. It must succeed before any other call.
func (c *Client) Init(ctx context.Context) error {
	if strings.TrimSpace(c.clientID) == "" || strings.TrimSpace(c.clientSecret) == "" {
		return fmt.Errorf("%w: client id and secret are required", ErrAuthFailed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshTokenLocked(ctx); err != nil {
		return err
	}
	c.initialized = true
	c.logger.Info("cloud API token obtained", "expires_at", c.tokenExpiry)
	return nil
}

// bearer returns a valid token, renewing it when it is about to expire.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return "", ErrNotInitialized
	}
	if !c.tokenExpiry.IsZero() && c.clock.Now().Add(tokenRefreshMargin).After(c.tokenExpiry) {
		c.logger.Debug("cloud API token expiring, renewing", "expires_at", c.tokenExpiry)
		if err := c.refreshTokenLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

// invalidate forces a token renewal on the next call.
func (c *Client) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenExpiry = c.clock.Now()
}

// request describes one API call.
type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// accept lists the statuses returned without error besides 200.
	accept []int
	out    any
}

// do sends req under the retry policy and decodes a 200 response into req.out.
// It returns the final status code.
func (c *Client) do(ctx context.Context, req request) (int, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return 0, err
	}
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	var payload []byte
	if req.body != nil {
		if payload, err = json.Marshal(req.body); err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", req.method, req.path, err)
		}
	}

	status, err := retry.Do(ctx, c.retry, func(ctx context.Context) (int, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
		if err != nil {
			return 0, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("Accept", "application/json")
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK && req.out != nil {
			if err := json.NewDecoder(resp.Body).Decode(req.out); err != nil {
				return 0, fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
			}
			return resp.StatusCode, nil
		}
		if resp.StatusCode/100 == 2 || slices.Contains(req.accept, resp.StatusCode) {
			_, _ = io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
		return 0, retry.NewStatusError(resp)
	})
	if retry.HasStatus(err, http.StatusUnauthorized) {
		c.invalidate()
	}
	return status, err
}
