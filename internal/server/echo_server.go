package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	docidecho "github.com/pilab-dev/docid-auth/api/echo"
	"github.com/pilab-dev/docid-auth/config"
	"github.com/pilab-dev/docid-auth/log"
	"github.com/pilab-dev/docid-auth/middleware"
)

// NewEchoServer is NewHTTPServer on echo.
func NewEchoServer(cfg *config.ServerConfig, appLogger log.Logger, gw *Gateway) *http.Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(middleware.EchoRequestID())

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := log.Fields{
				"method":     req.Method,
				"path":       req.URL.Path,
				"status":     c.Response().Status,
				"latency":    time.Since(start).String(),
				"ip":         c.RealIP(),
				"user_agent": req.UserAgent(),
				"request_id": middleware.RequestIDFromContext(req.Context()),
			}
			if err != nil {
				appLogger.Error(req.Context(), "HTTP Request failed", err, fields)
			} else {
				appLogger.Info(req.Context(), "HTTP Request", fields)
			}

			return nil
		}
	})

	e.GET(HealthPath, func(c echo.Context) error {
		status, body := healthResponse(gw, c.Request())
		return c.JSON(status, body)
	})
	e.GET(MetricsPath, echo.WrapHandler(promhttp.HandlerFor(gw.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})))

	docidecho.NewAuthHandlers(gw.API).RegisterRoutes(e, gw.Limiter.Echo())

	return newHTTPServer(cfg, e)
}
