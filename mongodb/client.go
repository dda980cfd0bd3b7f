package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

// UsedCodesCollection holds consumed OAuth authorization codes.
const UsedCodesCollection = "oauth_used_codes"

var errNotConnected = errors.New("mongodb client is not connected")

// Client bundles a connected driver client with the database the gateway uses.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials MongoDB, instruments the client with OpenTelemetry and pings
// the primary before returning.
func Connect(ctx context.Context, uri, dbName string) (*Client, error) {
	log.Ctx(ctx).Info().Str("db", dbName).Msg("Initializing MongoDB client")

	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetConnectTimeout(10 * time.Second)
	clientOptions.SetServerSelectionTimeout(10 * time.Second)
	clientOptions.SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	log.Ctx(ctx).Info().Msg("MongoDB client initialized successfully")

	return &Client{client: client, db: client.Database(dbName)}, nil
}

// Database returns the configured database.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Ping is used by the health check.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotConnected
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return c.client.Ping(pingCtx, readpref.Primary())
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}

	log.Ctx(ctx).Info().Msg("Closing MongoDB connection")

	return c.client.Disconnect(ctx)
}
