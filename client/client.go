package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pilab-dev/docid-auth/log"
)

// RefreshPath is the gateway route RefreshTokens calls.
const RefreshPath = "/api/auth/refresh"

// ErrUnauthorized is returned when a request is still rejected after the
// token was refreshed.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the backend or the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}

	return fmt.Sprintf("api error %d", e.Status)
}

// Config configures a Client.
type Config struct {
	// APIBaseURL is the backend the Do helpers call.
	APIBaseURL string
	// GatewayURL serves the refresh route. Defaults to APIBaseURL.
	GatewayURL string

	Store TokenStore
	// Refresh overrides the default refresh through GatewayURL.
	Refresh          RefreshFunc
	RefreshTimeout   time.Duration
	OnSessionExpired func(err error)

	// Base is the underlying transport; http.DefaultTransport when nil.
	Base    http.RoundTripper
	Timeout time.Duration
	Logger  log.Logger
}

// Client calls the backend's JSON API on behalf of a session.
type Client struct {
	apiBaseURL  string
	gatewayURL  string
	http        *http.Client
	plain       *http.Client
	coordinator *Coordinator
}

// New creates a Client. The session starts as whatever cfg.Store holds.
func New(cfg Config) (*Client, error) {
	if cfg.APIBaseURL == "" {
		return nil, errors.New("client: APIBaseURL is required")
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = cfg.APIBaseURL
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryTokenStore(Tokens{})
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}

	c := &Client{
		apiBaseURL: strings.TrimSuffix(cfg.APIBaseURL, "/"),
		gatewayURL: strings.TrimSuffix(cfg.GatewayURL, "/"),
		plain:      &http.Client{Transport: base, Timeout: cfg.Timeout},
	}

	refresh := cfg.Refresh
	if refresh == nil {
		refresh = c.refreshTokens
	}

	opts := []CoordinatorOption{
		WithRefreshTimeout(cfg.RefreshTimeout),
		WithCoordinatorLogger(cfg.Logger),
	}
	if cfg.OnSessionExpired != nil {
		opts = append(opts, WithSessionExpiredHook(cfg.OnSessionExpired))
	}
	c.coordinator = NewCoordinator(cfg.Store, refresh, opts...)

	c.http = &http.Client{
		Transport: &Transport{Base: base, Coordinator: c.coordinator},
		Timeout:   cfg.Timeout,
	}

	return c, nil
}

// Coordinator returns the client's refresh coordinator.
func (c *Client) Coordinator() *Coordinator {
	return c.coordinator
}

// HTTPClient returns an *http.Client using the coordinating transport, for
// calls the JSON helpers do not fit.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Do sends in as JSON (when non-nil) to path and decodes the response into
// out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBaseURL+"/"+strings.TrimPrefix(path, "/"), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", ErrUnauthorized, newAPIError(resp.StatusCode, respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], respBody...)
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPut, path, in, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// RefreshTokens exchanges refreshToken at the gateway's refresh route. It
// does not touch the session; use Coordinator().Refresh for that.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	return c.refreshTokens(ctx, refreshToken)
}

func (c *Client) refreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+RefreshPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, body)
	}

	result := gjson.ParseBytes(body)

	return &Tokens{
		AccessToken:  result.Get("access_token").String(),
		RefreshToken: result.Get("refresh_token").String(),
	}, nil
}

// newAPIError reads the gateway envelope ({error, code}) or the backend's
// ({message}) when present.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Body: body}
	if !gjson.ValidBytes(body) {
		return apiErr
	}

	result := gjson.ParseBytes(body)
	apiErr.Code = result.Get("code").String()
	for _, key := range []string{"error", "message", "msg"} {
		if v := result.Get(key); v.Type == gjson.String && v.Str != "" {
			apiErr.Message = v.Str
			break
		}
	}

	return apiErr
}
