// Package owner bootstraps the configured bot owner as an admin account.
package owner

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/logging"
)

type accounts interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	Update(ctx context.Context, userID int64, patch domain.UserPatch) (domain.User, error)
}

type activityAppender interface {
	Append(ctx context.Context, entry domain.ActivityLog) (domain.ActivityLog, error)
}

// Registrar makes sure the owner account exists and carries admin rights.
type Registrar struct {
	users    accounts
	activity activityAppender
	logger   *logrus.Entry
}

// NewRegistrar constructs a Registrar. activity may be nil.
func NewRegistrar(users accounts, activity activityAppender, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		users:    users,
		activity: activity,
		logger:   logger,
	}
}

// EnsureOwner creates the owner account or promotes an existing one. The owner
// is exempt from the required-channel check. Other admins are left untouched.
func (r *Registrar) EnsureOwner(ctx context.Context, ownerID int64) error {
	if r == nil || r.users == nil {
		return errors.New("owner registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if ownerID == 0 {
		return errors.New("owner id is required")
	}

	logger := r.logger.WithFields(logging.Context{UserID: ownerID}.Fields())

	current, err := r.users.GetByID(ctx, ownerID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		created, createErr := r.users.Create(ctx, domain.User{
			TelegramID:      ownerID,
			IsAdmin:         true,
			ChannelVerified: true,
		})
		if errors.Is(createErr, domain.ErrDuplicate) {
			// The owner pressed /start between the lookup and the insert.
			return r.promote(ctx, ownerID, logger)
		}
		if createErr != nil {
			return fmt.Errorf("create owner: %w", createErr)
		}

		logger.WithField("event", "owner_created").Info("created bot owner account")
		r.record(ctx, created.TelegramID, logger)
		return nil
	case err != nil:
		return fmt.Errorf("load owner: %w", err)
	case current.IsAdmin && current.ChannelVerified:
		logger.WithField("event", "owner_ready").Debug("bot owner already bootstrapped")
		return nil
	}

	return r.promote(ctx, ownerID, logger)
}

func (r *Registrar) promote(ctx context.Context, ownerID int64, logger *logrus.Entry) error {
	admin, verified := true, true
	if _, err := r.users.Update(ctx, ownerID, domain.UserPatch{IsAdmin: &admin, ChannelVerified: &verified}); err != nil {
		return fmt.Errorf("promote owner: %w", err)
	}

	logger.WithField("event", "owner_promoted").Info("granted admin rights to bot owner")
	return nil
}

func (r *Registrar) record(ctx context.Context, ownerID int64, logger *logrus.Entry) {
	if r.activity == nil {
		return
	}
	if _, err := r.activity.Append(ctx, domain.ActivityLog{
		UserID:      ownerID,
		Action:      domain.ActionUserRegistered,
		Description: "bootstrapped as bot owner",
	}); err != nil {
		logger.WithError(err).WithField("event", "activity_append_failed").Warn("could not write activity log")
	}
}
