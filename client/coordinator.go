// Package client is the consumer side of the gateway: an HTTP client whose
// transport attaches the session's bearer token and transparently recovers
// from an expired access token with a single shared refresh.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pilab-dev/docid-auth/log"
)

var (
	// ErrSessionExpired wraps every error returned to callers of a failed
	// refresh. The session has been cleared and the user must log in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotAuthenticated means there is no session to refresh.
	ErrNotAuthenticated = errors.New("not authenticated")

	errNoRefreshToken   = errors.New("no refresh token")
	errEmptyAccessToken = errors.New("refresh returned no access token")
)

// DefaultRefreshTimeout bounds a single refresh call.
const DefaultRefreshTimeout = 15 * time.Second

// Tokens is a session's token pair.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenStore persists the session tokens. Implementations must be safe for
// concurrent use.
type TokenStore interface {
	Load(ctx context.Context) (Tokens, error)
	Save(ctx context.Context, tokens Tokens) error
	Clear(ctx context.Context) error
}

// RefreshFunc exchanges a refresh token for a new token pair. An empty
// RefreshToken in the result keeps the current one.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Tokens, error)

type refreshResult struct {
	token string
	err   error
}

// refreshCall is one outstanding refresh. waiters[0] is the leader.
type refreshCall struct {
	waiters []chan refreshResult
}

// Coordinator serializes token refreshes: however many requests fail with
// 401 at once, one refresh is issued and every caller receives its outcome.
type Coordinator struct {
	mu       sync.Mutex
	inflight *refreshCall

	store     TokenStore
	refresh   RefreshFunc
	timeout   time.Duration
	onExpired func(err error)
	logger    log.Logger
}

type CoordinatorOption func(*Coordinator)

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSessionExpiredHook is called once per failed refresh, after the store
// has been cleared and before any waiter is rejected.
func WithSessionExpiredHook(fn func(err error)) CoordinatorOption {
	return func(c *Coordinator) { c.onExpired = fn }
}

func WithCoordinatorLogger(l log.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a Coordinator over store using refresh.
func NewCoordinator(store TokenStore, refresh RefreshFunc, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresh:   refresh,
		timeout:   DefaultRefreshTimeout,
		onExpired: func(error) {},
		logger:    log.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AccessToken returns the stored access token, empty when logged out.
func (c *Coordinator) AccessToken(ctx context.Context) (string, error) {
	tokens, err := c.store.Load(ctx)
	if err != nil {
		return "", err
	}

	return tokens.AccessToken, nil
}

// Refresh returns an access token newer than staleToken, the one the
// caller's rejected request carried. If another refresh already replaced
// staleToken the current token is returned; if one is in flight the caller
// waits for it; otherwise the caller starts one.
func (c *Coordinator) Refresh(ctx context.Context, staleToken string) (string, error) {
	c.mu.Lock()

	if call := c.inflight; call != nil {
		ch := make(chan refreshResult, 1)
		call.waiters = append(call.waiters, ch)
		c.mu.Unlock()

		return c.wait(ctx, ch)
	}

	tokens, err := c.store.Load(ctx)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		c.mu.Unlock()
		return "", ErrNotAuthenticated
	}

	if tokens.AccessToken != "" && tokens.AccessToken != staleToken {
		c.mu.Unlock()
		return tokens.AccessToken, nil
	}

	ch := make(chan refreshResult, 1)
	call := &refreshCall{waiters: []chan refreshResult{ch}}
	c.inflight = call
	c.mu.Unlock()

	// The refresh outlives the leader's request so a cancelled leader does
	// not fail the callers queued behind it.
	go c.run(context.WithoutCancel(ctx), call, tokens.RefreshToken)

	return c.wait(ctx, ch)
}

func (c *Coordinator) wait(ctx context.Context, ch <-chan refreshResult) (string, error) {
	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, call *refreshCall, refreshToken string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		tokens *Tokens
		err    error
	)
	if refreshToken == "" {
		err = errNoRefreshToken
	} else {
		tokens, err = c.refresh(ctx, refreshToken)
		if err == nil && (tokens == nil || tokens.AccessToken == "") {
			err = errEmptyAccessToken
		}
	}

	c.mu.Lock()
	if err == nil {
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = refreshToken
		}
		if saveErr := c.store.Save(ctx, *tokens); saveErr != nil {
			err = fmt.Errorf("failed to save refreshed tokens: %w", saveErr)
		}
	}
	if err != nil {
		if clearErr := c.store.Clear(ctx); clearErr != nil {
			c.logger.Error(ctx, "Failed to clear session", clearErr)
		}
	}
	waiters := call.waiters
	c.inflight = nil
	c.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSessionExpired, err)
		c.logger.Warn(ctx, "Token refresh failed, session cleared", log.Fields{
			"error":   err.Error(),
			"waiters": len(waiters),
		})
		c.onExpired(err)

		for _, w := range waiters {
			w <- refreshResult{err: err}
		}

		return
	}

	c.logger.Debug(ctx, "Token refreshed", log.Fields{"waiters": len(waiters)})
	for _, w := range waiters {
		w <- refreshResult{token: tokens.AccessToken}
	}
}
