// Package user provides helpers for user registration and lifecycle updates.
package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/logging"
)

type userCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

type activityAppender interface {
	Append(ctx context.Context, entry domain.ActivityLog) (domain.ActivityLog, error)
}

// Profile is the Telegram-side view of a user, refreshed on every update.
type Profile struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

// Registrar ensures users are present in the database and keeps their
// profile and last-seen timestamp updated on every interaction.
type Registrar struct {
	users    userCollection
	activity activityAppender
	logger   *logrus.Entry
}

// NewRegistrar constructs a Registrar for the provided users collection.
// activity may be nil.
func NewRegistrar(users userCollection, activity activityAppender, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		users:    users,
		activity: activity,
		logger:   logger,
	}
}

// EnsureUser upserts the user with a zero balance if missing and refreshes
// profile fields and last_seen_at on every call.
func (r *Registrar) EnsureUser(ctx context.Context, profile Profile) (bool, error) {
	if r == nil || r.users == nil {
		return false, errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}
	if profile.UserID == 0 {
		return false, errors.New("user id is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	update := bson.M{
		"$set": bson.M{
			"username":     profile.Username,
			"first_name":   profile.FirstName,
			"last_name":    profile.LastName,
			"updated_at":   now,
			"last_seen_at": now,
		},
		"$setOnInsert": bson.M{
			"telegram_id":      profile.UserID,
			"balance":          decimal.Zero,
			"is_admin":         false,
			"channel_verified": false,
			"created_at":       now,
		},
	}

	result, err := r.users.UpdateOne(ctx,
		bson.M{"telegram_id": profile.UserID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}

	created := result != nil && result.UpsertedCount > 0
	if created {
		r.logger.WithFields(logging.Fields{
			"event":    domain.ActionUserRegistered,
			"user_id":  profile.UserID,
			"username": profile.Username,
		}).Info("registered new user")

		if r.activity != nil {
			if _, err := r.activity.Append(ctx, domain.ActivityLog{
				UserID:      profile.UserID,
				Action:      domain.ActionUserRegistered,
				Description: "registered via /start",
			}); err != nil {
				r.logger.WithError(err).WithField("event", "activity_append_failed").Warn("could not write activity log")
			}
		}
		return true, nil
	}

	r.logger.WithFields(logging.Fields{
		"event":   "user_seen",
		"user_id": profile.UserID,
	}).Debug("updated user last seen")

	return false, nil
}
