package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pilab-dev/docid-auth/cache"
)

type usedCodeDocument struct {
	Key        string    `bson:"_id"`
	ConsumedAt time.Time `bson:"consumed_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

// UsedCodeRepository implements cache.UsedCodeStore on a MongoDB collection.
// The hashed code is the document _id, so the primary key index enforces
// uniqueness across gateway instances.
type UsedCodeRepository struct {
	codes  *mongo.Collection
	hasher *cache.Hasher
	now    func() time.Time
}

func NewUsedCodeRepository(db *mongo.Database, hasher *cache.Hasher) *UsedCodeRepository {
	return &UsedCodeRepository{
		codes:  db.Collection(UsedCodesCollection),
		hasher: hasher,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the TTL index that lets the server purge expired
// records. TTL deletion is lazy, so MarkUsed never relies on it.
func (r *UsedCodeRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.codes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("expires_at_ttl"),
	})
	if err != nil {
		return fmt.Errorf("failed to create used code TTL index: %w", err)
	}

	return nil
}

// MarkUsed implements cache.UsedCodeStore.MarkUsed.
//
// The upsert only matches an expired record. A live record makes the upsert
// attempt an insert on an existing _id, which fails with a duplicate key error.
func (r *UsedCodeRepository) MarkUsed(ctx context.Context, code string, window time.Duration) (cache.UsedCodeRecord, bool, error) {
	key := r.hasher.Hash(code)
	now := r.now()

	filter := bson.M{"_id": key, "expires_at": bson.M{"$lte": now}}
	update := bson.M{"$set": bson.M{
		"consumed_at": now,
		"expires_at":  now.Add(window),
	}}

	_, err := r.codes.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err == nil {
		log.Ctx(ctx).Debug().Str("code_hash", key[:12]).Msg("Authorization code recorded")
		return cache.UsedCodeRecord{Key: key, ConsumedAt: now}, true, nil
	}

	if !mongo.IsDuplicateKeyError(err) {
		return cache.UsedCodeRecord{}, false, fmt.Errorf("failed to record authorization code: %w", err)
	}

	var doc usedCodeDocument
	if err := r.codes.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Purged between the two calls; still a duplicate for this attempt.
			return cache.UsedCodeRecord{Key: key, ConsumedAt: now}, false, nil
		}

		return cache.UsedCodeRecord{}, false, fmt.Errorf("failed to read authorization code record: %w", err)
	}

	return cache.UsedCodeRecord{Key: key, ConsumedAt: doc.ConsumedAt}, false, nil
}

// DeleteExpired implements cache.UsedCodeStore.DeleteExpired.
func (r *UsedCodeRepository) DeleteExpired(ctx context.Context) (int, error) {
	res, err := r.codes.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": r.now()}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}

	return int(res.DeletedCount), nil
}

// Close is a no-op; the shared Client owns the connection.
func (r *UsedCodeRepository) Close() error {
	return nil
}

var _ cache.UsedCodeStore = (*UsedCodeRepository)(nil)
