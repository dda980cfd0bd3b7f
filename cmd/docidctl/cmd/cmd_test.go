package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/docid-auth/cmd/docidctl/config"
)

func run(t *testing.T, cfgFile string, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", cfgFile}, args...))

	err := root.ExecuteContext(context.Background())

	return stdout.String(), stderr.String(), err
}

// docidStack is a fake backend that accepts only Bearer tok2 plus a fake
// gateway refresh route that turns r1 into tok2/r2.
func docidStack(t *testing.T) (apiURL, gatewayURL string, refreshes *atomic.Int32) {
	t.Helper()

	refreshes = &atomic.Int32{}

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer tok2" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Token has expired"}`))
			return
		}
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			body["id"] = "doc-2"
			_ = json.NewEncoder(w).Encode(body)
		default:
			_, _ = w.Write([]byte(`{"id":"doc-1"}`))
		}
	}))
	t.Cleanup(api.Close)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		if req["refresh_token"] != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Token refresh failed","code":"REFRESH_FAILED"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok2","refresh_token":"r2"}`))
	}))
	t.Cleanup(gateway.Close)

	return api.URL, gateway.URL, refreshes
}

func TestConfigContexts(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")

	_, _, err := run(t, cfgFile, "config", "set-context", "local")
	require.Error(t, err, "--api is required for a new context")

	out, _, err := run(t, cfgFile, "config", "set-context", "Local", "--api", "http://localhost:5001")
	require.NoError(t, err)
	assert.Contains(t, out, `"local"`)

	_, _, err = run(t, cfgFile, "config", "set-context", "prod", "--api", "https://api.docid.example.org", "--gateway", "https://docid.example.org")
	require.NoError(t, err)

	store, err := config.Load(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, "local", store.Config.CurrentContext)
	assert.Equal(t, "https://docid.example.org", store.Config.Contexts["prod"].GatewayURL)

	_, _, err = run(t, cfgFile, "config", "use-context", "prod")
	require.NoError(t, err)

	out, _, err = run(t, cfgFile, "config", "get-contexts")
	require.NoError(t, err)
	assert.Contains(t, out, "*  ")
	assert.Contains(t, out, "prod")

	_, _, err = run(t, cfgFile, "config", "use-context", "missing")
	assert.Error(t, err)
}

func TestAPICallRefreshesAndPersistsTokens(t *testing.T) {
	apiURL, gatewayURL, refreshes := docidStack(t)
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")

	_, _, err := run(t, cfgFile, "config", "set-context", "test", "--api", apiURL, "--gateway", gatewayURL)
	require.NoError(t, err)
	_, _, err = run(t, cfgFile, "auth", "set-tokens", "--access", "tok1", "--refresh", "r1")
	require.NoError(t, err)

	out, _, err := run(t, cfgFile, "api", "get", "/api/v1/publications/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"doc-1"}`, out)
	assert.Equal(t, int32(1), refreshes.Load())

	store, err := config.Load(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, "tok2", store.Config.Contexts["test"].AccessToken)
	assert.Equal(t, "r2", store.Config.Contexts["test"].RefreshToken)

	out, _, err = run(t, cfgFile, "api", "post", "/api/v1/publications", "--data", `{"title":"Paper"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"doc-2","title":"Paper"}`, out)
	assert.Equal(t, int32(1), refreshes.Load(), "the persisted token is reused")
}

func TestAPICallWithRevokedSessionClearsTokens(t *testing.T) {
	apiURL, gatewayURL, _ := docidStack(t)
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")

	_, _, err := run(t, cfgFile, "config", "set-context", "test", "--api", apiURL, "--gateway", gatewayURL)
	require.NoError(t, err)
	_, _, err = run(t, cfgFile, "auth", "set-tokens", "--access", "tok1", "--refresh", "revoked")
	require.NoError(t, err)

	_, stderr, err := run(t, cfgFile, "api", "get", "/api/v1/me")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session expired")
	assert.Contains(t, stderr, "auth set-tokens")

	store, err := config.Load(cfgFile)
	require.NoError(t, err)
	assert.Empty(t, store.Config.Contexts["test"].AccessToken)
	assert.Empty(t, store.Config.Contexts["test"].RefreshToken)

	_, _, err = run(t, cfgFile, "api", "get", "/api/v1/me")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestAuthRefreshAndLogout(t *testing.T) {
	apiURL, gatewayURL, refreshes := docidStack(t)
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")

	_, _, err := run(t, cfgFile, "config", "set-context", "test", "--api", apiURL, "--gateway", gatewayURL)
	require.NoError(t, err)
	_, _, err = run(t, cfgFile, "auth", "set-tokens", "--access", "tok1", "--refresh", "r1")
	require.NoError(t, err)

	out, _, err := run(t, cfgFile, "auth", "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "refreshed")
	assert.Equal(t, int32(1), refreshes.Load())

	_, _, err = run(t, cfgFile, "auth", "logout")
	require.NoError(t, err)

	store, err := config.Load(cfgFile)
	require.NoError(t, err)
	assert.Empty(t, store.Config.Contexts["test"].AccessToken)
}
