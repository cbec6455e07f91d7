// Package store encapsulates MongoDB client management and collection helpers.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_group_market_bot/internal/config"
	"tg_group_market_bot/internal/domain"
)

// Collection names used across the bot.
const (
	CollectionUsers           = "users"
	CollectionSubmissions     = "submissions"
	CollectionPricingRules    = "pricing_rules"
	CollectionAgePricingRules = "age_pricing_rules"
	CollectionWithdrawals     = "withdrawals"
	CollectionActivityLogs    = "activity_logs"
	CollectionNotifications   = "notifications"
	CollectionSettings        = "bot_settings"
	CollectionSessions        = "userbot_sessions"
)

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager initializes the Mongo client using the supplied configuration and
// verifies connectivity with a ping. Money fields are encoded through the
// domain decimal registry.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	opts := options.Client().ApplyURI(cfg.MongoURI).SetRegistry(domain.Registry())
	client, err := connectMongo(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client: client,
		db:     client.Database(cfg.MongoDB),
	}, nil
}

// Ping checks connectivity against the primary.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	return nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Client returns the underlying mongo.Client when available. Tests using fakes
// may receive nil here.
func (m *Manager) Client() *mongo.Client {
	client, ok := m.client.(*mongo.Client)
	if !ok {
		return nil
	}
	return client
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Users returns the users collection handle.
func (m *Manager) Users() *mongo.Collection { return m.Collection(CollectionUsers) }

// Submissions returns the submissions collection handle.
func (m *Manager) Submissions() *mongo.Collection { return m.Collection(CollectionSubmissions) }

// PricingRules returns the year/month pricing collection handle.
func (m *Manager) PricingRules() *mongo.Collection { return m.Collection(CollectionPricingRules) }

// AgePricingRules returns the flat age pricing collection handle.
func (m *Manager) AgePricingRules() *mongo.Collection {
	return m.Collection(CollectionAgePricingRules)
}

// Withdrawals returns the withdrawals collection handle.
func (m *Manager) Withdrawals() *mongo.Collection { return m.Collection(CollectionWithdrawals) }

// ActivityLogs returns the audit log collection handle.
func (m *Manager) ActivityLogs() *mongo.Collection { return m.Collection(CollectionActivityLogs) }

// Notifications returns the notifications collection handle.
func (m *Manager) Notifications() *mongo.Collection { return m.Collection(CollectionNotifications) }

// Settings returns the bot settings collection handle.
func (m *Manager) Settings() *mongo.Collection { return m.Collection(CollectionSettings) }

// Sessions returns the userbot sessions collection handle.
func (m *Manager) Sessions() *mongo.Collection { return m.Collection(CollectionSessions) }

type indexSet struct {
	collection func() *mongo.Collection
	models     []mongo.IndexModel
}

func index(name string, unique bool, keys ...string) mongo.IndexModel {
	doc := bson.D{}
	for _, key := range keys {
		doc = append(doc, bson.E{Key: key, Value: 1})
	}
	opts := options.Index().SetName(name)
	if unique {
		opts.SetUnique(true)
	}
	return mongo.IndexModel{Keys: doc, Options: opts}
}

// EnsureBaseIndexes creates the indexes every repository relies on.
// Collections are created implicitly if they do not already exist.
func (m *Manager) EnsureBaseIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	sets := []indexSet{
		{m.Users, []mongo.IndexModel{
			index("telegram_id_unique", true, "telegram_id"),
		}},
		{m.Submissions, []mongo.IndexModel{
			index("user_link_unique", true, "user_id", "group_link"),
			index("status", false, "status"),
		}},
		{m.PricingRules, []mongo.IndexModel{
			index("category_active", false, "category", "is_active"),
		}},
		{m.Withdrawals, []mongo.IndexModel{
			index("status_created", false, "status", "created_at"),
			index("user_id", false, "user_id"),
		}},
		{m.Notifications, []mongo.IndexModel{
			index("user_created", false, "user_id", "created_at"),
		}},
		{m.Sessions, []mongo.IndexModel{
			index("identity_unique", true, "identity"),
		}},
	}

	for _, set := range sets {
		coll := set.collection()
		if _, err := createIndexes(ctx, coll, set.models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll.Name(), err)
		}
	}

	return nil
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}
