package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRefresh returns a RefreshFunc that counts its calls and blocks
// until release is closed.
func blockingRefresh(calls *atomic.Int32, release <-chan struct{}, tokens *Tokens, err error) RefreshFunc {
	return func(ctx context.Context, _ string) (*Tokens, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		cp := *tokens
		return &cp, nil
	}
}

func waitersOf(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight == nil {
		return 0
	}

	return len(c.inflight.waiters)
}

func TestCoordinator_ConcurrentRefreshIssuesOneCall(t *testing.T) {
	const n = 10

	var calls atomic.Int32
	release := make(chan struct{})
	store := NewMemoryTokenStore(Tokens{AccessToken: "tok1", RefreshToken: "r1"})
	c := NewCoordinator(store, blockingRefresh(&calls, release, &Tokens{AccessToken: "tok2", RefreshToken: "r2"}, nil))

	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(context.Background(), "tok1")
		}(i)
	}

	require.Eventually(t, func() bool { return waitersOf(c) == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok2", results[i])
	}

	tokens, _ := store.Load(context.Background())
	assert.Equal(t, Tokens{AccessToken: "tok2", RefreshToken: "r2"}, tokens)
	assert.Zero(t, waitersOf(c))
}

func TestCoordinator_FailureRejectsAllAndFiresHookOnce(t *testing.T) {
	const n = 5

	var calls, hooks atomic.Int32
	release := make(chan struct{})
	store := NewMemoryTokenStore(Tokens{AccessToken: "tok1", RefreshToken: "r1"})
	backendErr := errors.New("refresh token revoked")
	c := NewCoordinator(store, blockingRefresh(&calls, release, nil, backendErr),
		WithSessionExpiredHook(func(err error) {
			hooks.Add(1)
			tokens, _ := store.Load(context.Background())
			assert.Empty(t, tokens.AccessToken, "store is cleared before the hook runs")
		}),
	)

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Refresh(context.Background(), "tok1")
		}(i)
	}

	require.Eventually(t, func() bool { return waitersOf(c) == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), hooks.Load())
	for _, err := range errs {
		require.ErrorIs(t, err, ErrSessionExpired)
		assert.ErrorIs(t, err, backendErr)
	}

	// The session is gone; later callers are told so without a new refresh.
	_, err := c.Refresh(context.Background(), "tok1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), hooks.Load())
}

func TestCoordinator_EveryWaiterReceivesOneResult(t *testing.T) {
	const n = 5

	var calls atomic.Int32
	release := make(chan struct{})
	c := NewCoordinator(NewMemoryTokenStore(Tokens{AccessToken: "tok1", RefreshToken: "r1"}),
		blockingRefresh(&calls, release, &Tokens{AccessToken: "tok2"}, nil))

	var (
		settled atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Refresh(context.Background(), "tok1")
			assert.NoError(t, err)
			settled.Add(1)
		}(i)
		// Enqueue one at a time so the queue order is known.
		require.Eventually(t, func() bool { return waitersOf(c) == i+1 }, time.Second, time.Millisecond)
	}

	c.mu.Lock()
	queued := append([]chan refreshResult(nil), c.inflight.waiters...)
	c.mu.Unlock()

	close(release)
	wg.Wait()

	// Each queued channel was drained by its waiter.
	require.Len(t, queued, n)
	for _, ch := range queued {
		assert.Empty(t, ch)
	}
	assert.Equal(t, int32(n), settled.Load())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoordinator_StaleTokenReturnsCurrent(t *testing.T) {
	var calls atomic.Int32
	c := NewCoordinator(NewMemoryTokenStore(Tokens{AccessToken: "tok2", RefreshToken: "r2"}),
		func(context.Context, string) (*Tokens, error) {
			calls.Add(1)
			return &Tokens{AccessToken: "tok3"}, nil
		})

	token, err := c.Refresh(context.Background(), "tok1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", token)
	assert.Zero(t, calls.Load())
}

func TestCoordinator_NotAuthenticated(t *testing.T) {
	var hooks atomic.Int32
	c := NewCoordinator(NewMemoryTokenStore(Tokens{}),
		func(context.Context, string) (*Tokens, error) {
			t.Error("refresh must not be called")
			return nil, nil
		},
		WithSessionExpiredHook(func(error) { hooks.Add(1) }),
	)

	_, err := c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, hooks.Load())
}

func TestCoordinator_MissingRefreshTokenExpiresSession(t *testing.T) {
	var hooks atomic.Int32
	store := NewMemoryTokenStore(Tokens{AccessToken: "tok1"})
	c := NewCoordinator(store,
		func(context.Context, string) (*Tokens, error) {
			t.Error("refresh must not be called")
			return nil, nil
		},
		WithSessionExpiredHook(func(error) { hooks.Add(1) }),
	)

	_, err := c.Refresh(context.Background(), "tok1")
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), hooks.Load())

	tokens, _ := store.Load(context.Background())
	assert.Equal(t, Tokens{}, tokens)
}

func TestCoordinator_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	store := NewMemoryTokenStore(Tokens{AccessToken: "tok1", RefreshToken: "r1"})
	c := NewCoordinator(store, func(_ context.Context, rt string) (*Tokens, error) {
		assert.Equal(t, "r1", rt)
		return &Tokens{AccessToken: "tok2"}, nil
	})

	token, err := c.Refresh(context.Background(), "tok1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", token)

	tokens, _ := store.Load(context.Background())
	assert.Equal(t, "r1", tokens.RefreshToken)
}

func TestCoordinator_EmptyAccessTokenIsFailure(t *testing.T) {
	c := NewCoordinator(NewMemoryTokenStore(Tokens{AccessToken: "tok1", RefreshToken: "r1"}),
		func(context.Context, string) (*Tokens, error) { return &Tokens{}, nil })

	_, err := c.Refresh(context.Background(), "tok1")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestCoordinator_CancelledFollowerDoesNotAffectOthers(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := NewCoordinator(NewMemoryTokenStore(Tokens{AccessToken: "tok1", RefreshToken: "r1"}),
		blockingRefresh(&calls, release, &Tokens{AccessToken: "tok2"}, nil))

	leaderDone := make(chan string, 1)
	go func() {
		token, _ := c.Refresh(context.Background(), "tok1")
		leaderDone <- token
	}()
	require.Eventually(t, func() bool { return waitersOf(c) == 1 }, time.Second, time.Millisecond)

	followerCtx, cancel := context.WithCancel(context.Background())
	followerErr := make(chan error, 1)
	go func() {
		_, err := c.Refresh(followerCtx, "tok1")
		followerErr <- err
	}()
	require.Eventually(t, func() bool { return waitersOf(c) == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-followerErr, context.Canceled)

	close(release)
	assert.Equal(t, "tok2", <-leaderDone)
}

func TestCoordinator_CancelledLeaderDoesNotAffectFollowers(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := NewCoordinator(NewMemoryTokenStore(Tokens{AccessToken: "tok1", RefreshToken: "r1"}),
		blockingRefresh(&calls, release, &Tokens{AccessToken: "tok2"}, nil))

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Refresh(leaderCtx, "tok1")
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return waitersOf(c) == 1 }, time.Second, time.Millisecond)

	followerDone := make(chan string, 1)
	go func() {
		token, _ := c.Refresh(context.Background(), "tok1")
		followerDone <- token
	}()
	require.Eventually(t, func() bool { return waitersOf(c) == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	assert.Equal(t, "tok2", <-followerDone)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoordinator_RefreshTimeout(t *testing.T) {
	var hooks atomic.Int32
	c := NewCoordinator(NewMemoryTokenStore(Tokens{AccessToken: "tok1", RefreshToken: "r1"}),
		func(ctx context.Context, _ string) (*Tokens, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		WithRefreshTimeout(20*time.Millisecond),
		WithSessionExpiredHook(func(error) { hooks.Add(1) }),
	)

	_, err := c.Refresh(context.Background(), "tok1")
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), hooks.Load())
}
