// Package telegram hosts the Telegram client, routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/config"
	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/feature/channel"
	"tg_group_market_bot/internal/feature/user"
	"tg_group_market_bot/internal/interview"
	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/logging"
	"tg_group_market_bot/internal/store"
	"tg_group_market_bot/internal/withdrawal"
)

type botAPI interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	GetChatMember(ctx context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"callback_query",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

// UserRegistrar records users as they interact with the bot.
type UserRegistrar interface {
	EnsureUser(ctx context.Context, profile user.Profile) (bool, error)
}

// Accounts reads users and admin flags.
type Accounts interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	ListAdmins(ctx context.Context) ([]domain.User, error)
	SetChannelVerified(ctx context.Context, userID int64, verified bool) (domain.User, error)
}

// SubmissionLister lists a user's submissions.
type SubmissionLister interface {
	ListByUser(ctx context.Context, userID int64) ([]domain.Submission, error)
}

// Lifecycle is the part of the submission engine driven from chat.
type Lifecycle interface {
	Submit(ctx context.Context, userID int64, text string) ([]lifecycle.Outcome, error)
	ConfirmOwnership(ctx context.Context, id string, userID int64) (lifecycle.Outcome, error)
	Retry(ctx context.Context, id string, actor lifecycle.Actor) (lifecycle.Outcome, error)
}

// Withdrawals accepts payout requests.
type Withdrawals interface {
	Request(ctx context.Context, userID int64, method, details string) (withdrawal.Outcome, error)
}

// Interviews runs userbot session setup for admins.
type Interviews interface {
	Start(ctx context.Context, identity string, ownerID int64) (interview.Reply, error)
	Handle(ctx context.Context, ownerID int64, input string) (interview.Reply, error)
	Cancel(ctx context.Context, ownerID int64) (interview.Reply, error)
	InProgress(ownerID int64) bool
}

// SessionLister lists stored userbot sessions.
type SessionLister interface {
	List(ctx context.Context) ([]domain.UserbotSession, error)
}

// StatsSource returns dashboard counters.
type StatsSource interface {
	Snapshot(ctx context.Context) (store.Stats, error)
}

// SettingsSource returns the current business settings.
type SettingsSource interface {
	Get(ctx context.Context) (domain.BotSettings, error)
}

// Deps bundles what the handlers need.
type Deps struct {
	Users       UserRegistrar
	Accounts    Accounts
	Submissions SubmissionLister
	Lifecycle   Lifecycle
	Withdrawals Withdrawals
	Interviews  Interviews
	Sessions    SessionLister
	Stats       StatsSource
	Settings    SettingsSource
}

type verifier interface {
	Verify(ctx context.Context, userID int64) (channel.Result, error)
}

// Client wraps the Telegram bot instance and logging dependencies.
type Client struct {
	bot      botAPI
	deps     Deps
	verifier verifier
	ownerID  int64
	logger   *logrus.Entry
}

// NewClient initializes the Telegram bot with long polling and the update router.
func NewClient(cfg config.Config, deps Deps, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{
		deps:    deps,
		ownerID: cfg.BotOwnerID,
		logger:  logger,
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.handleUpdate),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	c.bot = tgBot
	if deps.Accounts != nil && deps.Settings != nil {
		c.verifier = channel.NewVerifier(tgBot, deps.Accounts, deps.Settings, logger)
	}

	return c, nil
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

// Notify sends text to a user's private chat.
func (c *Client) Notify(ctx context.Context, userID int64, text string) error {
	_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: userID, Text: text})
	if err != nil {
		return fmt.Errorf("send message to %d: %w", userID, err)
	}
	return nil
}

// NotifyAdmins sends text to the owner and every admin.
func (c *Client) NotifyAdmins(ctx context.Context, text string) error {
	recipients := []int64{}
	seen := map[int64]bool{}
	add := func(id int64) {
		if id != 0 && !seen[id] {
			seen[id] = true
			recipients = append(recipients, id)
		}
	}

	add(c.ownerID)
	if c.deps.Accounts != nil {
		admins, err := c.deps.Accounts.ListAdmins(ctx)
		if err != nil {
			c.logger.WithError(err).WithField("event", "admin_list_failed").Warn("could not list admins")
		}
		for _, admin := range admins {
			add(admin.TelegramID)
		}
	}

	var errs []error
	for _, id := range recipients {
		if err := c.Notify(ctx, id, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type updateMeta struct {
	userID     int64
	chatID     int64
	text       string
	updateType string
}

func (c *Client) logUpdate(update *models.Update) {
	meta := extractUpdateMeta(update)

	fields := logging.Fields{
		"event":       "telegram_update",
		"update_type": meta.updateType,
	}
	if meta.userID != 0 {
		fields["user_id"] = meta.userID
	}
	if meta.chatID != 0 {
		fields["chat_id"] = meta.chatID
	}

	c.logger.WithFields(fields).Debug("telegram update received")
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			text:       strings.TrimSpace(update.Message.Text),
			updateType: "message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			userID:     userID(&update.CallbackQuery.From),
			chatID:     messageChatID(update.CallbackQuery.Message),
			text:       strings.TrimSpace(update.CallbackQuery.Data),
			updateType: "callback_query",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return chatID(&msg.Message.Chat)
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return chatID(&msg.InaccessibleMessage.Chat)
	default:
		return 0
	}
}
