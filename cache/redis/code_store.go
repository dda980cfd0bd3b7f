package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pilab-dev/docid-auth/cache"
)

// CodeStore implements cache.UsedCodeStore on Redis so every gateway
// instance shares one view of consumed codes. Expiry is left to Redis.
type CodeStore struct {
	client goredis.UniversalClient
	prefix string
	hasher *cache.Hasher
}

// NewCodeStore creates a new CodeStore. Keys are "<prefix>:oauth_code:<hash>".
func NewCodeStore(client goredis.UniversalClient, prefix string, hasher *cache.Hasher) *CodeStore {
	return &CodeStore{
		client: client,
		prefix: prefix,
		hasher: hasher,
	}
}

func (s *CodeStore) redisKey(hash string) string {
	return fmt.Sprintf("%s:oauth_code:%s", s.prefix, hash)
}

// MarkUsed implements cache.UsedCodeStore.MarkUsed with SET NX PX, which is
// atomic across instances.
func (s *CodeStore) MarkUsed(ctx context.Context, code string, window time.Duration) (cache.UsedCodeRecord, bool, error) {
	hash := s.hasher.Hash(code)
	key := s.redisKey(hash)
	now := time.Now()

	isNew, err := s.client.SetNX(ctx, key, now.UnixMilli(), window).Result()
	if err != nil {
		return cache.UsedCodeRecord{}, false, fmt.Errorf("failed to record code in Redis: %w", err)
	}

	if isNew {
		return cache.UsedCodeRecord{Key: hash, ConsumedAt: now}, true, nil
	}

	rec := cache.UsedCodeRecord{Key: hash}

	raw, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		// Expired between SETNX and GET; the code is still treated as seen
		// for this call.
		rec.ConsumedAt = now
	case err != nil:
		return cache.UsedCodeRecord{}, false, fmt.Errorf("failed to read code record from Redis: %w", err)
	default:
		ms, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return cache.UsedCodeRecord{}, false, fmt.Errorf("malformed code record %q: %w", raw, perr)
		}
		rec.ConsumedAt = time.UnixMilli(ms)
	}

	return rec, false, nil
}

// DeleteExpired is a no-op: Redis expires keys on its own.
func (s *CodeStore) DeleteExpired(_ context.Context) (int, error) {
	return 0, nil
}

// Close closes the underlying client.
func (s *CodeStore) Close() error {
	return s.client.Close()
}

var _ cache.UsedCodeStore = (*CodeStore)(nil)
