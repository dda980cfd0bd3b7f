package cache

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("code store closed")

// UsedCodeRecord tracks a consumed OAuth authorization code. Key is the
// hashed code; raw codes never leave the process.
type UsedCodeRecord struct {
	Key        string
	ConsumedAt time.Time
}

// Expired reports whether the record has aged out of window at now.
func (r UsedCodeRecord) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(r.ConsumedAt) >= window
}

// UsedCodeStore records consumed authorization codes for a sliding window.
//
// MarkUsed is an atomic check-and-set: when no live record exists for code it
// records {code, now} and returns fresh=true; otherwise it returns the
// existing record and fresh=false.
type UsedCodeStore interface {
	MarkUsed(ctx context.Context, code string, window time.Duration) (rec UsedCodeRecord, fresh bool, err error)

	// DeleteExpired evicts every record older than its window and returns
	// the number removed. Stores with native expiry may return 0.
	DeleteExpired(ctx context.Context) (int, error)

	Close() error
}
