package mongodb_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/docid-auth/cache"
	"github.com/pilab-dev/docid-auth/mongodb"
	"github.com/pilab-dev/docid-auth/mongodb/testutil"
)

func TestUsedCodeRepository_MarkUsed(t *testing.T) {
	db := testutil.SetupTestMongoDB(t, "used_codes")
	ctx := context.Background()

	repo := mongodb.NewUsedCodeRepository(db, cache.NewHasher("test"))
	require.NoError(t, repo.EnsureIndexes(ctx))

	first, fresh, err := repo.MarkUsed(ctx, "abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	second, fresh, err := repo.MarkUsed(ctx, "abc123", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.WithinDuration(t, first.ConsumedAt, second.ConsumedAt, time.Millisecond)
}

func TestUsedCodeRepository_ExpiredRecordIsReused(t *testing.T) {
	db := testutil.SetupTestMongoDB(t, "used_codes")
	ctx := context.Background()

	repo := mongodb.NewUsedCodeRepository(db, cache.NewHasher(""))

	_, fresh, err := repo.MarkUsed(ctx, "abc123", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, fresh)

	time.Sleep(100 * time.Millisecond)

	_, fresh, err = repo.MarkUsed(ctx, "abc123", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, fresh)

	time.Sleep(100 * time.Millisecond)

	removed, err := repo.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestUsedCodeRepository_ConcurrentClaims(t *testing.T) {
	db := testutil.SetupTestMongoDB(t, "used_codes")
	ctx := context.Background()

	repo := mongodb.NewUsedCodeRepository(db, cache.NewHasher(""))

	var (
		wg    sync.WaitGroup
		fresh atomic.Int32
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, ok, err := repo.MarkUsed(ctx, "race", time.Minute)
			if err == nil && ok {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}
