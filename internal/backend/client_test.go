package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/docid-auth/internal/backend"
)

func newClient(t *testing.T, url string) *backend.Client {
	t.Helper()

	c, err := backend.NewClient(backend.Config{
		BaseURL:                 url,
		Timeout:                 2 * time.Second,
		BreakerFailureThreshold: 2,
		BreakerOpenTimeout:      time.Minute,
	})
	require.NoError(t, err)

	return c
}

func TestRegisterSocialUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/social/register", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got backend.SocialIdentity
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "12345", got.SocialID)
		assert.Equal(t, "github", got.Type)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message": "User registered", "user": {"id": 42, "email": "backend@example.org"}}`))
	}))
	defer server.Close()

	user, err := newClient(t, server.URL).RegisterSocialUser(context.Background(), backend.SocialIdentity{
		SocialID: "12345",
		Type:     "github",
		FullName: "Test User",
		Email:    "test@example.org",
		Avatar:   "https://example.org/a.png",
	})
	require.NoError(t, err)

	assert.Equal(t, "42", user.UserID)
	assert.Equal(t, "backend@example.org", user.Email)
	assert.Equal(t, "Test User", user.FullName, "missing fields fall back to the identity")
	assert.Equal(t, "github", user.Type)
	assert.Equal(t, "12345", user.SocialID)
	assert.Equal(t, "User registered", user.Message)
}

func TestRegisterSocialUser_FlatEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"user_id": "u-7", "full_name": "From Backend"}`))
	}))
	defer server.Close()

	user, err := newClient(t, server.URL).RegisterSocialUser(context.Background(), backend.SocialIdentity{SocialID: "s", Type: "orcid"})
	require.NoError(t, err)
	assert.Equal(t, "u-7", user.UserID)
	assert.Equal(t, "From Backend", user.FullName)
}

func TestRegisterSocialUser_NoUserID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message": "ok"}`))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).RegisterSocialUser(context.Background(), backend.SocialIdentity{})
	assert.Error(t, err)
}

func TestRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/refresh", r.URL.Path)

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if body["refresh_token"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": "Token has expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token": "tok2", "refresh_token": "r2"}`))
	}))
	defer server.Close()

	c := newClient(t, server.URL)

	res, err := c.RefreshToken(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "tok2", res.AccessToken())
	assert.JSONEq(t, `{"access_token": "tok2", "refresh_token": "r2"}`, string(res.Body))

	_, err = c.RefreshToken(context.Background(), "bad")
	var se *backend.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.Equal(t, "Token has expired", se.Message)
	assert.NotErrorIs(t, err, backend.ErrBackendUnavailable)
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newClient(t, url).RefreshToken(context.Background(), "r")
	assert.ErrorIs(t, err, backend.ErrBackendUnavailable)
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.RefreshToken(ctx, "r")
		var se *backend.StatusError
		require.True(t, errors.As(err, &se))
	}

	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	_, err := c.RefreshToken(ctx, "r")
	assert.ErrorIs(t, err, backend.ErrBackendUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits the call")
}

func TestClient_RejectionsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	for i := 0; i < 5; i++ {
		_, _ = c.RefreshToken(context.Background(), "r")
	}

	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := backend.NewClient(backend.Config{})
	assert.Error(t, err)
}
