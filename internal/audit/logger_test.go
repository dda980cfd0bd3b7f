package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/docid-auth/middleware"
)

func TestTrail_Record(t *testing.T) {
	var buf bytes.Buffer
	trail := NewTrail(&buf)
	trail.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	trail.Record(context.Background(), Event{
		Action:   ActionSocialLogin,
		Provider: "github",
		User:     "42",
		CodeHash: "abcdef123456",
		Success:  true,
	}, nil)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "audit", got["log"])
	assert.Equal(t, ActionSocialLogin, got["action"])
	assert.Equal(t, "github", got["provider"])
	assert.Equal(t, "42", got["user"])
	assert.Equal(t, true, got["success"])
	assert.Equal(t, "2026-01-02T03:04:05Z", got["timestamp"])
	assert.NotContains(t, got, "error")
}

func TestTrail_RecordFailureWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	trail := NewTrail(&buf)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.GinRequestID())
	r.GET("/cb", func(c *gin.Context) {
		trail.Record(c.Request.Context(), Event{Action: ActionDuplicateCode, Provider: "orcid"},
			errors.New("request already processed"))
		c.Status(http.StatusBadRequest)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cb", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-1")
	r.ServeHTTP(w, req)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "req-1", got["request_id"])
	assert.Equal(t, false, got["success"])
	assert.Equal(t, "request already processed", got["error"])
}

func TestTrail_Nil(t *testing.T) {
	var trail *Trail
	assert.NotPanics(t, func() {
		trail.Record(context.Background(), Event{Action: ActionSocialLogin}, nil)
	})
}
