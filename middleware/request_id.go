package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFromContext returns the request ID stored by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID resolves the request ID (incoming header or a new UUID) and
// returns a context carrying it and a zerolog logger tagged with it.
func withRequestID(r *http.Request) (context.Context, string) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}

	ctx := context.WithValue(r.Context(), requestIDKey{}, id)
	logger := log.Logger.With().Str("request_id", id).Logger()

	return logger.WithContext(ctx), id
}

// LoggerFromRequest returns the request-scoped zerolog logger.
func LoggerFromRequest(r *http.Request) *zerolog.Logger {
	return zerolog.Ctx(r.Context())
}

// GinRequestID tags each request with an ID.
func GinRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, id := withRequestID(c.Request)
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// EchoRequestID tags each request with an ID.
func EchoRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, id := withRequestID(c.Request())
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set(RequestIDHeader, id)

			return next(c)
		}
	}
}
