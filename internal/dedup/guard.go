// Package dedup rejects OAuth authorization codes that are redeemed more than
// once inside a sliding window.
package dedup

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pilab-dev/docid-auth/cache"
	"github.com/pilab-dev/docid-auth/internal/metrics"
	"github.com/pilab-dev/docid-auth/log"
	"github.com/pilab-dev/docid-auth/tracing"
)

// DefaultWindow is how long a consumed code stays blocked.
const DefaultWindow = 30 * time.Second

var (
	ErrDuplicateRequest = errors.New("authorization code already processed")
	ErrMissingCode      = errors.New("authorization code is required")
)

// Guard decides whether a callback may proceed to the provider exchange.
// A code stays consumed for the full window even when the exchange that
// followed the claim failed.
type Guard struct {
	store   cache.UsedCodeStore
	window  time.Duration
	hasher  *cache.Hasher
	logger  log.Logger
	metrics *metrics.Metrics
}

// Option configures a Guard.
type Option func(*Guard)

func WithLogger(l log.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithHasher sets the hasher used for log-safe code prefixes.
func WithHasher(h *cache.Hasher) Option {
	return func(g *Guard) { g.hasher = h }
}

// NewGuard creates a Guard over store. A non-positive window selects
// DefaultWindow.
func NewGuard(store cache.UsedCodeStore, window time.Duration, opts ...Option) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}

	g := &Guard{
		store:  store,
		window: window,
		hasher: cache.NewHasher(""),
		logger: log.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Window returns the deduplication window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// Claim records code as consumed. It returns ErrDuplicateRequest when the
// code was already claimed inside the window, and ErrMissingCode for an
// empty code. Store failures are logged and the claim is allowed, since the
// provider rejects reused codes on its side anyway.
func (g *Guard) Claim(ctx context.Context, code string) error {
	if code == "" {
		return ErrMissingCode
	}

	ctx, span := tracing.StartSpan(ctx, "dedup.Claim")
	defer span.End()

	codeHash := g.hasher.Short(code)
	span.SetAttributes(attribute.String("code_hash", codeHash))

	g.Sweep(ctx)

	rec, fresh, err := g.store.MarkUsed(ctx, code, g.window)
	if err != nil {
		g.metrics.ObserveStoreError()
		span.RecordError(err)
		g.logger.Warn(ctx, "Used code store unavailable, allowing callback", log.Fields{
			"code_hash": codeHash,
			"error":     err.Error(),
		})

		return nil
	}

	if !fresh {
		g.metrics.ObserveClaim(true)
		span.SetStatus(codes.Error, "duplicate")
		g.logger.Warn(ctx, "Duplicate authorization code rejected", log.Fields{
			"code_hash":   codeHash,
			"consumed_at": rec.ConsumedAt,
		})

		return ErrDuplicateRequest
	}

	g.metrics.ObserveClaim(false)
	g.logger.Debug(ctx, "Authorization code claimed", log.Fields{"code_hash": codeHash})

	return nil
}

// Sweep removes expired records and returns how many were removed. Errors are
// logged and reported as zero removals.
func (g *Guard) Sweep(ctx context.Context) int {
	removed, err := g.store.DeleteExpired(ctx)
	if err != nil {
		g.logger.Warn(ctx, "Failed to sweep expired codes", log.Fields{"error": err.Error()})
		return 0
	}

	g.metrics.ObserveSweep(removed)

	return removed
}

// RunJanitor sweeps every interval until ctx is done. Claim sweeps on its
// own; the janitor only bounds memory on an idle gateway.
func (g *Guard) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.window
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(ctx); n > 0 {
				g.logger.Debug(ctx, "Swept expired codes", log.Fields{"removed": n})
			}
		}
	}
}
