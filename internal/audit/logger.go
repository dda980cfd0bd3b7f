package audit

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/pilab-dev/docid-auth/middleware"
)

// Actions recorded by the gateway.
const (
	ActionSocialLogin      = "social_login"
	ActionDuplicateCode    = "duplicate_code"
	ActionProviderRejected = "provider_rejected"
)

// Event is one audit record. Codes never appear in clear; CodeHash is the
// short keyed hash also used in the application log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Provider  string    `json:"provider,omitempty"`
	User      string    `json:"user,omitempty"` // backend user ID
	SocialID  string    `json:"social_id,omitempty"`
	CodeHash  string    `json:"code_hash,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Trail writes audit events as JSON lines, separate from the application log.
type Trail struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewTrail writes events to w.
func NewTrail(w io.Writer) *Trail {
	return &Trail{
		logger: zerolog.New(w).With().Str("log", "audit").Logger(),
		now:    time.Now,
	}
}

// Record writes e, filling the timestamp and request ID. A nil Trail
// discards events.
func (t *Trail) Record(ctx context.Context, e Event, err error) {
	if t == nil {
		return
	}

	e.Timestamp = t.now().UTC()
	if e.RequestID == "" {
		e.RequestID = middleware.RequestIDFromContext(ctx)
	}
	if err != nil {
		e.Error = err.Error()
	}

	entry := t.logger.Log().
		Time("timestamp", e.Timestamp).
		Str("action", e.Action).
		Bool("success", e.Success)

	for k, v := range map[string]string{
		"provider":   e.Provider,
		"user":       e.User,
		"social_id":  e.SocialID,
		"code_hash":  e.CodeHash,
		"request_id": e.RequestID,
		"error":      e.Error,
	} {
		if v != "" {
			entry = entry.Str(k, v)
		}
	}

	entry.Msg("")
}
