package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/pilab-dev/docid-auth/api"
	"github.com/pilab-dev/docid-auth/cache"
	coderedis "github.com/pilab-dev/docid-auth/cache/redis"
	"github.com/pilab-dev/docid-auth/config"
	"github.com/pilab-dev/docid-auth/internal/audit"
	"github.com/pilab-dev/docid-auth/internal/backend"
	"github.com/pilab-dev/docid-auth/internal/dedup"
	"github.com/pilab-dev/docid-auth/internal/federation"
	"github.com/pilab-dev/docid-auth/internal/metrics"
	"github.com/pilab-dev/docid-auth/log"
	"github.com/pilab-dev/docid-auth/middleware"
	"github.com/pilab-dev/docid-auth/mongodb"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Gateway is the assembled auth gateway: the framework-independent API plus
// everything the HTTP layer mounts around it.
type Gateway struct {
	API        *api.AuthAPI
	Guard      *dedup.Guard
	Federation *federation.Service
	Backend    *backend.Client
	Limiter    *middleware.RateLimiter
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry

	checks  map[string]HealthCheck
	closers []func(context.Context) error
}

// BuildOption customizes Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	providerClient *http.Client
	backendClient  *http.Client
	redisClient    goredis.UniversalClient
	auditWriter    io.Writer
}

// WithProviderHTTPClient sets the client used to talk to OAuth providers.
func WithProviderHTTPClient(c *http.Client) BuildOption {
	return func(o *buildOptions) { o.providerClient = c }
}

// WithBackendHTTPClient sets the client used to talk to the DOCiD backend.
func WithBackendHTTPClient(c *http.Client) BuildOption {
	return func(o *buildOptions) { o.backendClient = c }
}

// WithRedisClient uses an existing client for the redis dedup store instead
// of dialing cfg.RedisAddr.
func WithRedisClient(c goredis.UniversalClient) BuildOption {
	return func(o *buildOptions) { o.redisClient = c }
}

// WithAuditWriter sends audit events to w instead of stdout.
func WithAuditWriter(w io.Writer) BuildOption {
	return func(o *buildOptions) { o.auditWriter = w }
}

// Build wires the gateway from cfg. The returned Gateway owns the store
// connections; call Close on shutdown.
func Build(ctx context.Context, cfg *config.ServerConfig, appLogger log.Logger, opts ...BuildOption) (*Gateway, error) {
	o := buildOptions{auditWriter: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	gw := &Gateway{
		Metrics:  m,
		Registry: reg,
		checks:   make(map[string]HealthCheck),
	}

	hasher := cache.NewHasher(cfg.DedupHashKey)

	store, err := gw.openStore(ctx, cfg, hasher, o.redisClient)
	if err != nil {
		return nil, err
	}
	gw.closers = append(gw.closers, func(context.Context) error { return store.Close() })

	gw.Guard = dedup.NewGuard(store, cfg.DedupWindow,
		dedup.WithLogger(appLogger.With(log.Fields{"component": "dedup"})),
		dedup.WithMetrics(m),
		dedup.WithHasher(hasher),
	)

	gw.Federation = federation.NewService(strings.TrimSuffix(cfg.PublicBaseURL, "/") + "/api/auth")
	if o.providerClient != nil {
		gw.Federation.SetHTTPClient(o.providerClient)
	}
	if err := registerProviders(gw.Federation, cfg); err != nil {
		_ = gw.Close(ctx)
		return nil, err
	}
	appLogger.Info(ctx, "OAuth providers registered", log.Fields{"providers": gw.Federation.Providers()})

	gw.Backend, err = backend.NewClient(backend.Config{
		BaseURL:      cfg.BackendURL,
		RegisterPath: cfg.BackendRegisterPath,
		RefreshPath:  cfg.BackendRefreshPath,
		Timeout:      cfg.BackendTimeout,
		HTTPClient:   o.backendClient,
	})
	if err != nil {
		_ = gw.Close(ctx)
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}
	gw.checks["backend"] = func(context.Context) error {
		if gw.Backend.BreakerState() == gobreaker.StateOpen {
			return backend.ErrBackendUnavailable
		}
		return nil
	}

	gw.API = api.NewAuthAPI(gw.Guard, gw.Federation, gw.Backend, api.Options{
		Hasher:    hasher,
		Metrics:   m,
		Audit:     audit.NewTrail(o.auditWriter),
		Logger:    appLogger.With(log.Fields{"component": "auth"}),
		LoginPath: cfg.LoginPath,

		RefreshTimeout: cfg.RefreshTimeout,
	})

	gw.Limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, m)

	return gw, nil
}

func (gw *Gateway) openStore(ctx context.Context, cfg *config.ServerConfig, hasher *cache.Hasher, rc goredis.UniversalClient) (cache.UsedCodeStore, error) {
	switch cfg.DedupStore {
	case config.DedupStoreRedis:
		if rc == nil {
			rc = goredis.NewClient(&goredis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
		}
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		gw.checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }

		return coderedis.NewCodeStore(rc, cfg.RedisPrefix, hasher), nil

	case config.DedupStoreMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, err
		}
		repo := mongodb.NewUsedCodeRepository(client.Database(), hasher)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, err
		}
		gw.checks["mongodb"] = client.Ping
		gw.closers = append(gw.closers, client.Close)

		return repo, nil

	case config.DedupStoreMemory, "":
		return cache.NewMemoryCodeStore(cfg.DedupCapacity, hasher), nil

	default:
		return nil, fmt.Errorf("unknown dedup_store %q", cfg.DedupStore)
	}
}

func registerProviders(svc *federation.Service, cfg *config.ServerConfig) error {
	if cfg.GitHub.Configured() {
		p, err := federation.NewGitHubProvider(&federation.ProviderConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
		})
		if err != nil {
			return fmt.Errorf("github provider: %w", err)
		}
		svc.RegisterProvider(p)
	}

	if cfg.Google.Configured() {
		p, err := federation.NewGoogleProvider(&federation.ProviderConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
		})
		if err != nil {
			return fmt.Errorf("google provider: %w", err)
		}
		svc.RegisterProvider(p)
	}

	if cfg.ORCID.Configured() {
		p, err := federation.NewORCIDProvider(&federation.ProviderConfig{
			ClientID:     cfg.ORCID.ClientID,
			ClientSecret: cfg.ORCID.ClientSecret,
		}, cfg.ORCIDSandbox)
		if err != nil {
			return fmt.Errorf("orcid provider: %w", err)
		}
		svc.RegisterProvider(p)
	}

	return nil
}

// Start runs the background janitor until ctx is done.
func (gw *Gateway) Start(ctx context.Context) {
	go gw.Guard.RunJanitor(ctx, gw.Guard.Window())
}

// Health runs every registered check and returns the failures by name.
func (gw *Gateway) Health(ctx context.Context) map[string]string {
	failed := make(map[string]string)
	for name, check := range gw.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	return failed
}

// Close releases the store connections.
func (gw *Gateway) Close(ctx context.Context) error {
	var errs []error
	for i := len(gw.closers) - 1; i >= 0; i-- {
		if err := gw.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	gw.closers = nil

	return errors.Join(errs...)
}
