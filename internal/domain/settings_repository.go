package domain

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SettingsRepository reads and writes the BotSettings singleton. Until an
// admin saves settings, the configured defaults apply.
type SettingsRepository struct {
	collection mutableCollection
	defaults   BotSettings
}

// NewSettingsRepository constructs a SettingsRepository.
func NewSettingsRepository(collection mutableCollection, defaults BotSettings) *SettingsRepository {
	defaults.ID = SettingsID
	return &SettingsRepository{collection: collection, defaults: defaults}
}

// Defaults returns the configured fallback settings.
func (r *SettingsRepository) Defaults() BotSettings {
	if r == nil {
		return BotSettings{ID: SettingsID}
	}
	return r.defaults
}

// Get returns the stored settings or the defaults when none are stored.
func (r *SettingsRepository) Get(ctx context.Context) (BotSettings, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "settings"); err != nil {
		return BotSettings{}, err
	}

	var settings BotSettings
	err := decodeOne(r.collection.FindOne(ctx, bson.M{"_id": SettingsID}), "settings", &settings)
	if errors.Is(err, ErrNotFound) {
		return r.defaults, nil
	}
	if err != nil {
		return BotSettings{}, err
	}

	return settings, nil
}

// Put stores the settings singleton.
func (r *SettingsRepository) Put(ctx context.Context, settings BotSettings) (BotSettings, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "settings"); err != nil {
		return BotSettings{}, err
	}
	if settings.MinGroupAgeDays < 0 {
		return BotSettings{}, errors.New("min_group_age_days must not be negative")
	}
	if settings.UsedMessageThreshold <= 0 {
		return BotSettings{}, errors.New("used_message_threshold must be positive")
	}

	settings.ID = SettingsID
	settings.UpdatedAt = now()

	update := bson.M{"$set": bson.M{
		"min_group_age_days":     settings.MinGroupAgeDays,
		"required_channel":       settings.RequiredChannel,
		"used_message_threshold": settings.UsedMessageThreshold,
		"age_pricing_fallback":   settings.AgePricingFallback,
		"updated_at":             settings.UpdatedAt,
	}}
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": SettingsID}, update, options.Update().SetUpsert(true)); err != nil {
		return BotSettings{}, fmt.Errorf("upsert settings: %w", err)
	}

	return settings, nil
}
