// Package channel checks that users joined the required announcement channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/logging"
)

type memberLookup interface {
	GetChatMember(ctx context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error)
}

type userUpdater interface {
	SetChannelVerified(ctx context.Context, userID int64, verified bool) (domain.User, error)
}

type settingsSource interface {
	Get(ctx context.Context) (domain.BotSettings, error)
}

// Result describes a verification attempt.
type Result struct {
	Channel  string
	Member   bool
	Required bool
}

// Verifier checks membership through the Bot API and stores the verdict.
type Verifier struct {
	members  memberLookup
	users    userUpdater
	settings settingsSource
	logger   *logrus.Entry
}

// NewVerifier constructs a Verifier.
func NewVerifier(members memberLookup, users userUpdater, settings settingsSource, logger *logrus.Entry) *Verifier {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Verifier{
		members:  members,
		users:    users,
		settings: settings,
		logger:   logger,
	}
}

// Verify looks up userID in the required channel and persists channel_verified.
// Without a required channel every user passes and nothing is stored.
func (v *Verifier) Verify(ctx context.Context, userID int64) (Result, error) {
	if v == nil || v.members == nil || v.users == nil || v.settings == nil {
		return Result{}, errors.New("channel verifier is not initialized")
	}
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}
	if userID == 0 {
		return Result{}, errors.New("user id is required")
	}

	settings, err := v.settings.Get(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load settings: %w", err)
	}

	channel := strings.TrimSpace(settings.RequiredChannel)
	if channel == "" {
		return Result{Member: true}, nil
	}

	member, err := v.members.GetChatMember(ctx, &bot.GetChatMemberParams{
		ChatID: ChatRef(channel),
		UserID: userID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("get chat member: %w", err)
	}

	joined := IsMember(member)
	if _, err := v.users.SetChannelVerified(ctx, userID, joined); err != nil {
		return Result{}, fmt.Errorf("store channel verification: %w", err)
	}

	v.logger.WithFields(logging.Fields{
		"event":   "channel_verified",
		"user_id": userID,
		"channel": channel,
		"member":  joined,
	}).Info("checked required channel membership")

	return Result{Channel: channel, Member: joined, Required: true}, nil
}

// ChatRef converts a configured channel into a Bot API chat id: numeric ids
// stay numeric, usernames get a leading @.
func ChatRef(channel string) any {
	channel = strings.TrimSpace(channel)
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return id
	}
	channel = strings.TrimPrefix(channel, "https://t.me/")
	if !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}
	return channel
}

// IsMember reports whether a chat member currently belongs to the chat.
func IsMember(member *models.ChatMember) bool {
	if member == nil {
		return false
	}

	switch member.Type {
	case models.ChatMemberTypeOwner, models.ChatMemberTypeAdministrator, models.ChatMemberTypeMember:
		return true
	case models.ChatMemberTypeRestricted:
		return member.Restricted != nil && member.Restricted.IsMember
	}
	return false
}
