package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/docid-auth/config"
	"github.com/pilab-dev/docid-auth/log"
)

func testConfig(backendURL string) *config.ServerConfig {
	return &config.ServerConfig{
		HTTPPort:            "0",
		HTTPFramework:       config.FrameworkGin,
		LogLevel:            "error",
		OtelServiceName:     "docid-auth-test",
		PublicBaseURL:       "http://localhost:8080",
		LoginPath:           "/login",
		BackendURL:          backendURL,
		BackendRegisterPath: "/api/v1/auth/social/register",
		BackendRefreshPath:  "/api/v1/auth/refresh",
		BackendTimeout:      5 * time.Second,
		RefreshTimeout:      5 * time.Second,
		DedupWindow:         30 * time.Second,
		DedupCapacity:       1000,
		DedupStore:          config.DedupStoreMemory,
		RedisPrefix:         "docid-test",
		GitHub:              config.ProviderCredentials{ClientID: "id", ClientSecret: "secret"},
		RateLimitRPS:        100,
		RateLimitBurst:      100,
	}
}

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/v1/auth/refresh" {
			_, _ = w.Write([]byte(`{"access_token":"new-access"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func buildGateway(t *testing.T, cfg *config.ServerConfig, opts ...BuildOption) *Gateway {
	t.Helper()

	zlog.Logger = zerolog.Nop()

	opts = append([]BuildOption{WithAuditWriter(io.Discard)}, opts...)
	gw, err := Build(context.Background(), cfg, log.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	return gw
}

func TestServers(t *testing.T) {
	for _, framework := range []config.HTTPFramework{config.FrameworkGin, config.FrameworkEcho} {
		t.Run(string(framework), func(t *testing.T) {
			cfg := testConfig(fakeBackend(t).URL)
			cfg.HTTPFramework = framework

			gw := buildGateway(t, cfg)
			srv := NewServer(cfg, log.Nop(), gw)
			assert.Equal(t, ":0", srv.Addr)

			t.Run("health", func(t *testing.T) {
				w := httptest.NewRecorder()
				srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))

				assert.Equal(t, http.StatusOK, w.Code)
				assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
				assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
			})

			t.Run("unsupported provider", func(t *testing.T) {
				w := httptest.NewRecorder()
				srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/twitter/callback?code=abc", nil))

				assert.Equal(t, http.StatusNotFound, w.Code)
				var body map[string]any
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, "UNSUPPORTED_PROVIDER", body["code"])
			})

			t.Run("refresh is proxied", func(t *testing.T) {
				w := httptest.NewRecorder()
				req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", strings.NewReader(`{"refresh_token":"r1"}`))
				req.Header.Set("Content-Type", "application/json")
				srv.Handler.ServeHTTP(w, req)

				assert.Equal(t, http.StatusOK, w.Code)
				assert.JSONEq(t, `{"access_token":"new-access"}`, w.Body.String())
			})

			t.Run("metrics", func(t *testing.T) {
				w := httptest.NewRecorder()
				srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, MetricsPath, nil))

				assert.Equal(t, http.StatusOK, w.Code)
				assert.Contains(t, w.Body.String(), "docid_auth_refresh_requests_total")
			})
		})
	}
}

func TestBuild_RegistersConfiguredProviders(t *testing.T) {
	cfg := testConfig(fakeBackend(t).URL)
	cfg.ORCID = config.ProviderCredentials{ClientID: "APP-1", ClientSecret: "s"}
	cfg.Google = config.ProviderCredentials{ClientID: "g"} // no secret, skipped

	gw := buildGateway(t, cfg)

	assert.Equal(t, []string{"github", "orcid"}, gw.Federation.Providers())
}

func TestBuild_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	cfg := testConfig(fakeBackend(t).URL)
	cfg.DedupStore = config.DedupStoreRedis
	cfg.RedisAddr = mr.Addr()

	gw := buildGateway(t, cfg, WithRedisClient(rc))

	require.NoError(t, gw.Guard.Claim(context.Background(), "abc123"))
	assert.Len(t, mr.Keys(), 1)
	assert.Empty(t, gw.Health(context.Background()))

	mr.Close()
	assert.Contains(t, gw.Health(context.Background()), "redis")
}

func TestBuild_RedisUnreachable(t *testing.T) {
	cfg := testConfig(fakeBackend(t).URL)
	cfg.DedupStore = config.DedupStoreRedis
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := Build(context.Background(), cfg, log.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestHealth_Degraded(t *testing.T) {
	gw := buildGateway(t, testConfig(fakeBackend(t).URL))
	gw.checks["broken"] = func(context.Context) error { return assert.AnError }

	srv := NewHTTPServer(testConfig("http://unused"), log.Nop(), gw)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"broken"`)
}

func TestBuild_RefreshTimeoutFromConfig(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	cfg := testConfig(slow.URL)
	cfg.RefreshTimeout = 50 * time.Millisecond

	gw := buildGateway(t, cfg)
	srv := NewServer(cfg, log.Nop(), gw)

	start := time.Now()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", strings.NewReader(`{"refresh_token":"r1"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Less(t, time.Since(start), 2*time.Second, "refresh is cut off by refresh_timeout, not backend_timeout")
}
