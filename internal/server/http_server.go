package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	docidgin "github.com/pilab-dev/docid-auth/api/gin"
	"github.com/pilab-dev/docid-auth/config"
	"github.com/pilab-dev/docid-auth/log"
	"github.com/pilab-dev/docid-auth/middleware"
)

const (
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// NewServer builds the HTTP server for the framework cfg selects.
func NewServer(cfg *config.ServerConfig, appLogger log.Logger, gw *Gateway) *http.Server {
	if cfg.HTTPFramework == config.FrameworkEcho {
		return NewEchoServer(cfg, appLogger, gw)
	}

	return NewHTTPServer(cfg, appLogger, gw)
}

// NewHTTPServer creates and configures a new Gin HTTP server.
func NewHTTPServer(cfg *config.ServerConfig, appLogger log.Logger, gw *Gateway) *http.Server {
	if strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.GinRequestID())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := log.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"request_id": middleware.RequestIDFromContext(c.Request.Context()),
		}
		if len(c.Errors) > 0 {
			appLogger.Error(c.Request.Context(), c.Errors.String(), c.Errors.Last().Err, fields)
			return
		}
		appLogger.Info(c.Request.Context(), "HTTP Request", fields)
	})

	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware(cfg.OtelServiceName))
	}

	router.GET(HealthPath, func(c *gin.Context) {
		status, body := healthResponse(gw, c.Request)
		c.JSON(status, body)
	})
	router.GET(MetricsPath, gin.WrapH(promhttp.HandlerFor(gw.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})))

	docidgin.NewAuthHandlers(gw.API).RegisterRoutes(router, gw.Limiter.Gin())

	return newHTTPServer(cfg, router)
}

func newHTTPServer(cfg *config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: handler,
		// The callback waits on a provider exchange and a backend call.
		ReadTimeout:  5 * time.Second,
		WriteTimeout: max(cfg.BackendTimeout, cfg.RefreshTimeout) + 20*time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthResponse(gw *Gateway, r *http.Request) (int, healthBody) {
	failed := gw.Health(r.Context())
	if len(failed) > 0 {
		return http.StatusServiceUnavailable, healthBody{Status: "degraded", Checks: failed}
	}

	return http.StatusOK, healthBody{Status: "ok"}
}
