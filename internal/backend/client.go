// Package backend talks to the DOCiD Flask backend that owns user accounts
// and issues the portal's access and refresh tokens.
package backend

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

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

var (
	// ErrBackendUnavailable covers transport failures and an open breaker.
	ErrBackendUnavailable = errors.New("backend unavailable")
	errEmptyBaseURL       = errors.New("backend base URL is required")
)

// maxBodySize caps how much of a backend response is read.
const maxBodySize = 1 << 20

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Status  int
	Body    []byte
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
	}

	return fmt.Sprintf("backend returned status %d", e.Status)
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	RegisterPath string
	RefreshPath  string
	Timeout      time.Duration
	HTTPClient   *http.Client

	// Breaker tuning; zero values select the defaults below.
	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
	OnBreakerStateChange    func(name string, from, to gobreaker.State)
}

// SocialIdentity is the payload registered with the backend after a
// successful provider exchange.
type SocialIdentity struct {
	SocialID string `json:"social_id"`
	Type     string `json:"type"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
}

// RegisteredUser is the backend's view of the registered user. Fields the
// backend leaves out are filled from the submitted identity.
type RegisteredUser struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
	Type     string `json:"type"`
	SocialID string `json:"social_id"`
	Message  string `json:"message"`
}

// RefreshResult carries the backend's refresh response verbatim.
type RefreshResult struct {
	Status int
	Body   []byte
}

// AccessToken extracts access_token from the body, if present.
func (r *RefreshResult) AccessToken() string {
	return gjson.GetBytes(r.Body, "access_token").String()
}

// Client is a circuit-broken HTTP client for the backend.
type Client struct {
	baseURL      string
	registerPath string
	refreshPath  string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
}

// NewClient creates a backend Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errEmptyBaseURL
	}
	if cfg.RegisterPath == "" {
		cfg.RegisterPath = "/api/v1/auth/social/register"
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = "/api/v1/auth/refresh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	threshold := cfg.BreakerFailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "docid-backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A backend that answers, even with 4xx, is healthy.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Backend circuit breaker changed state")
			if cfg.OnBreakerStateChange != nil {
				cfg.OnBreakerStateChange(name, from, to)
			}
		},
	})

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		registerPath: cfg.RegisterPath,
		refreshPath:  cfg.RefreshPath,
		http:         httpClient,
		breaker:      breaker,
	}, nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// RegisterSocialUser registers or looks up the user behind a provider identity.
func (c *Client) RegisterSocialUser(ctx context.Context, identity SocialIdentity) (*RegisteredUser, error) {
	status, body, err := c.postJSON(ctx, c.registerPath, identity)
	if err != nil {
		return nil, err
	}

	user := parseRegisteredUser(body, identity)
	if user.UserID == "" {
		return nil, fmt.Errorf("backend registration response (status %d) has no user id", status)
	}

	return user, nil
}

// RefreshToken forwards refreshToken to the backend and returns its response.
// A rejection is returned as *StatusError.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	status, body, err := c.postJSON(ctx, c.refreshPath, map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	return &RefreshResult{Status: status, Body: body}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode backend request: %w", err)
	}

	type response struct {
		status int
		body   []byte
	}

	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrBackendUnavailable, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Status: resp.StatusCode, Body: body, Message: errorMessage(body)}
		}

		return response{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return 0, nil, err
	}

	r := res.(response)

	return r.status, r.body, nil
}

func parseRegisteredUser(body []byte, identity SocialIdentity) *RegisteredUser {
	first := func(paths ...string) string {
		for _, p := range paths {
			if v := gjson.GetBytes(body, p); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
		return ""
	}
	or := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}

	return &RegisteredUser{
		UserID:   first("user_id", "user.id", "user.user_id", "id"),
		FullName: or(first("full_name", "user.full_name", "user.name"), identity.FullName),
		Email:    or(first("email", "user.email"), identity.Email),
		Avatar:   or(first("avatar", "user.avatar"), identity.Avatar),
		Type:     or(first("type", "user.type"), identity.Type),
		SocialID: or(first("social_id", "user.social_id"), identity.SocialID),
		Message:  first("message", "msg"),
	}
}

func errorMessage(body []byte) string {
	for _, p := range []string{"error", "message", "msg"} {
		if v := gjson.GetBytes(body, p); v.Type == gjson.String {
			return v.String()
		}
	}

	return ""
}
