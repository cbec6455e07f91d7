package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/feature/user"
	"tg_group_market_bot/internal/interview"
	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/logging"
	"tg_group_market_bot/internal/withdrawal"
)

const (
	callbackOwnership = "own:"
	callbackRetry     = "retry:"

	groupListLimit = 20
)

const helpText = `Send a private group invite link (t.me/+...) to sell the group.

Commands:
/balance - show your balance
/groups - list your submissions
/withdraw <method> <details> - withdraw your balance
/verify - re-check the required channel`

const adminHelpText = `

Admin:
/session <primary|secondary> - connect a userbot account
/cancel - abort the session setup
/sessions - list userbot accounts
/stats - show totals`

func (c *Client) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}
	c.logUpdate(update)

	switch {
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, update.CallbackQuery)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil || msg.Chat.Type != models.ChatTypePrivate {
		return
	}
	logger := c.logger.WithField("user_id", msg.From.ID)
	c.register(ctx, msg.From, logger)

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if command, args, ok := parseCommand(text); ok {
		c.handleCommand(ctx, msg, command, args, logger)
		return
	}

	if c.deps.Interviews != nil && c.deps.Interviews.InProgress(msg.From.ID) && c.isAdmin(ctx, msg.From.ID) {
		c.deleteMessage(ctx, msg, logger)
		reply, err := c.deps.Interviews.Handle(ctx, msg.From.ID, text)
		if err != nil {
			logger.WithError(err).WithField("event", "interview_failed").Warn("interview step failed")
			c.reply(ctx, msg.Chat.ID, "Could not process that step. Try again or /cancel.", nil, logger)
			return
		}
		c.reply(ctx, msg.Chat.ID, reply.Text, nil, logger)
		return
	}

	c.submit(ctx, msg, text, logger)
}

func (c *Client) handleCommand(ctx context.Context, msg *models.Message, command, args string, logger *logrus.Entry) {
	chat := msg.Chat.ID
	from := msg.From.ID

	switch command {
	case "start", "help":
		text := helpText
		if c.isAdmin(ctx, from) {
			text += adminHelpText
		}
		c.reply(ctx, chat, text, nil, logger)
	case "balance":
		c.reply(ctx, chat, c.balanceText(ctx, from, logger), nil, logger)
	case "groups":
		c.reply(ctx, chat, c.groupsText(ctx, from, logger), nil, logger)
	case "withdraw":
		c.withdraw(ctx, chat, from, args, logger)
	case "verify":
		c.verify(ctx, chat, from, logger)
	case "session", "cancel", "sessions", "stats":
		if !c.isAdmin(ctx, from) {
			c.reply(ctx, chat, "This command is for admins only.", nil, logger)
			return
		}
		c.handleAdminCommand(ctx, chat, from, command, args, logger)
	default:
		c.reply(ctx, chat, "Unknown command. Send /help for the list.", nil, logger)
	}
}

func (c *Client) handleAdminCommand(ctx context.Context, chat, from int64, command, args string, logger *logrus.Entry) {
	switch command {
	case "session":
		identity, ok := identityFor(args)
		if !ok {
			c.reply(ctx, chat, "Usage: /session <primary|secondary>", nil, logger)
			return
		}
		reply, err := c.deps.Interviews.Start(ctx, identity, from)
		if err != nil {
			c.reply(ctx, chat, interviewErrorText(err), nil, logger)
			return
		}
		c.reply(ctx, chat, reply.Text, nil, logger)
	case "cancel":
		reply, err := c.deps.Interviews.Cancel(ctx, from)
		if err != nil {
			c.reply(ctx, chat, interviewErrorText(err), nil, logger)
			return
		}
		c.reply(ctx, chat, reply.Text, nil, logger)
	case "sessions":
		c.reply(ctx, chat, c.sessionsText(ctx, logger), nil, logger)
	case "stats":
		c.reply(ctx, chat, c.statsText(ctx, logger), nil, logger)
	}
}

func (c *Client) handleCallback(ctx context.Context, query *models.CallbackQuery) {
	logger := c.logger.WithField("user_id", query.From.ID)
	chat := messageChatID(query.Message)
	if chat == 0 {
		chat = query.From.ID
	}

	var (
		outcome lifecycle.Outcome
		err     error
		handled = true
	)
	switch {
	case strings.HasPrefix(query.Data, callbackOwnership):
		id := strings.TrimPrefix(query.Data, callbackOwnership)
		outcome, err = c.deps.Lifecycle.ConfirmOwnership(ctx, id, query.From.ID)
	case strings.HasPrefix(query.Data, callbackRetry):
		id := strings.TrimPrefix(query.Data, callbackRetry)
		outcome, err = c.deps.Lifecycle.Retry(ctx, id, lifecycle.Actor{UserID: query.From.ID})
	default:
		handled = false
	}

	if _, answerErr := c.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: query.ID}); answerErr != nil {
		logger.WithError(answerErr).WithField("event", "callback_answer_failed").Warn("failed to answer callback query")
	}
	if !handled {
		return
	}

	if err != nil {
		logger.WithError(err).WithField("event", "callback_failed").Error("callback action failed")
		c.reply(ctx, chat, lifecycleErrorText(err), nil, logger)
		return
	}
	c.reply(ctx, chat, outcome.Message, keyboardFor(outcome), logger)
}

func (c *Client) register(ctx context.Context, from *models.User, logger *logrus.Entry) {
	if c.deps.Users == nil {
		return
	}
	_, err := c.deps.Users.EnsureUser(ctx, user.Profile{
		UserID:    from.ID,
		Username:  from.Username,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	})
	if err != nil {
		logger.WithError(err).WithField("event", "user_register_failed").Warn("failed to register user")
	}
}

func (c *Client) submit(ctx context.Context, msg *models.Message, text string, logger *logrus.Entry) {
	outcomes, err := c.deps.Lifecycle.Submit(ctx, msg.From.ID, text)
	if err != nil {
		logger.WithError(err).WithField("event", "submission_failed").Error("submission processing failed")
		c.reply(ctx, msg.Chat.ID, "Something went wrong while processing your link. Please try again later.", nil, logger)
		return
	}
	for _, outcome := range outcomes {
		c.reply(ctx, msg.Chat.ID, outcome.Message, keyboardFor(outcome), logger)
	}
}

func (c *Client) withdraw(ctx context.Context, chat, from int64, args string, logger *logrus.Entry) {
	method, details, _ := strings.Cut(strings.TrimSpace(args), " ")
	outcome, err := c.deps.Withdrawals.Request(ctx, from, method, details)
	switch {
	case errors.Is(err, withdrawal.ErrInvalidRequest):
		c.reply(ctx, chat, "Usage: /withdraw <method> <details>\nExample: /withdraw usdt TXyz...", nil, logger)
	case err != nil:
		logger.WithError(err).WithField("event", "withdrawal_failed").Error("withdrawal request failed")
		c.reply(ctx, chat, "Could not create the withdrawal. Please try again later.", nil, logger)
	default:
		c.reply(ctx, chat, outcome.Message, nil, logger)
	}
}

func (c *Client) verify(ctx context.Context, chat, from int64, logger *logrus.Entry) {
	if c.verifier == nil {
		c.reply(ctx, chat, "Channel verification is not available.", nil, logger)
		return
	}
	result, err := c.verifier.Verify(ctx, from)
	switch {
	case err != nil:
		logger.WithError(err).WithField("event", "channel_verify_failed").Warn("channel verification failed")
		c.reply(ctx, chat, "Could not check the channel right now. Please try again later.", nil, logger)
	case !result.Required:
		c.reply(ctx, chat, "No channel subscription is required.", nil, logger)
	case result.Member:
		c.reply(ctx, chat, fmt.Sprintf("Verified: you are subscribed to %s.", result.Channel), nil, logger)
	default:
		c.reply(ctx, chat, fmt.Sprintf("Please join %s first, then send /verify again.", result.Channel), nil, logger)
	}
}

func (c *Client) balanceText(ctx context.Context, from int64, logger *logrus.Entry) string {
	u, err := c.deps.Accounts.GetByID(ctx, from)
	if err != nil {
		logger.WithError(err).WithField("event", "balance_lookup_failed").Warn("failed to load balance")
		return "Could not load your balance. Send /start and try again."
	}
	return fmt.Sprintf("Your balance: $%s", u.Balance.StringFixed(2))
}

func (c *Client) groupsText(ctx context.Context, from int64, logger *logrus.Entry) string {
	subs, err := c.deps.Submissions.ListByUser(ctx, from)
	if err != nil {
		logger.WithError(err).WithField("event", "groups_lookup_failed").Warn("failed to list submissions")
		return "Could not load your groups right now."
	}
	if len(subs) == 0 {
		return "You have not submitted any groups yet."
	}

	var b strings.Builder
	b.WriteString("Your groups:\n")
	for i, sub := range subs {
		if i == groupListLimit {
			fmt.Fprintf(&b, "...and %d more", len(subs)-groupListLimit)
			break
		}
		fmt.Fprintf(&b, "%d. %s: %s", i+1, groupLabel(sub), sub.Status)
		if sub.PaymentAdded && sub.PaymentAmount != nil {
			fmt.Fprintf(&b, " ($%s)", sub.PaymentAmount.StringFixed(2))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Client) sessionsText(ctx context.Context, logger *logrus.Entry) string {
	sessions, err := c.deps.Sessions.List(ctx)
	if err != nil {
		logger.WithError(err).WithField("event", "sessions_lookup_failed").Warn("failed to list sessions")
		return "Could not load sessions."
	}
	if len(sessions) == 0 {
		return "No userbot sessions configured. Use /session primary."
	}

	var b strings.Builder
	for _, s := range sessions {
		state := "inactive"
		if s.IsActive {
			state = "active"
		}
		fmt.Fprintf(&b, "%s: %s", s.Identity, state)
		if s.LastUsed != nil {
			fmt.Fprintf(&b, ", last used %s", s.LastUsed.UTC().Format("2006-01-02 15:04"))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Client) statsText(ctx context.Context, logger *logrus.Entry) string {
	stats, err := c.deps.Stats.Snapshot(ctx)
	if err != nil {
		logger.WithError(err).WithField("event", "stats_failed").Warn("failed to load stats")
		return "Could not load stats."
	}

	statuses := make([]string, 0, len(stats.Submissions))
	for status := range stats.Submissions {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	var b strings.Builder
	fmt.Fprintf(&b, "Users: %d\n", stats.Users)
	for _, status := range statuses {
		fmt.Fprintf(&b, "%s: %d\n", status, stats.Submissions[domain.SubmissionStatus(status)])
	}
	fmt.Fprintf(&b, "Pending withdrawals: %d\n", stats.PendingWithdrawals)
	fmt.Fprintf(&b, "Outstanding balance: $%s", stats.OutstandingBalance.StringFixed(2))
	return b.String()
}

func (c *Client) isAdmin(ctx context.Context, userID int64) bool {
	if userID == c.ownerID {
		return true
	}
	if c.deps.Accounts == nil {
		return false
	}
	u, err := c.deps.Accounts.GetByID(ctx, userID)
	return err == nil && u.IsAdmin
}

func (c *Client) reply(ctx context.Context, chat int64, text string, markup models.ReplyMarkup, logger *logrus.Entry) {
	if strings.TrimSpace(text) == "" {
		return
	}
	params := &bot.SendMessageParams{ChatID: chat, Text: text}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"event":   "telegram_send_failed",
			"chat_id": chat,
		}).Warn("failed to send message")
	}
}

func (c *Client) deleteMessage(ctx context.Context, msg *models.Message, logger *logrus.Entry) {
	_, err := c.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: msg.Chat.ID, MessageID: msg.ID})
	if err != nil {
		logger.WithError(err).WithField("event", "telegram_delete_failed").Debug("could not delete interview input")
	}
}

// keyboardFor attaches the follow-up button an outcome needs, if any.
func keyboardFor(outcome lifecycle.Outcome) models.ReplyMarkup {
	id := outcome.Submission.ID
	if id == "" {
		return nil
	}

	var button models.InlineKeyboardButton
	switch outcome.Kind {
	case lifecycle.KindApproved, lifecycle.KindNotOwner, lifecycle.KindOwnershipError:
		button = models.InlineKeyboardButton{Text: "I transferred ownership", CallbackData: callbackOwnership + id}
	case lifecycle.KindFailed:
		button = models.InlineKeyboardButton{Text: "Retry", CallbackData: callbackRetry + id}
	default:
		return nil
	}

	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{{button}}}
}

// parseCommand splits "/cmd@bot args" into ("cmd", "args").
func parseCommand(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(args), true
}

func identityFor(arg string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "primary", "1", domain.IdentityPrimary:
		return domain.IdentityPrimary, true
	case "secondary", "2", domain.IdentitySecondary:
		return domain.IdentitySecondary, true
	default:
		return "", false
	}
}

func groupLabel(sub domain.Submission) string {
	if sub.GroupName != "" {
		return sub.GroupName
	}
	return sub.GroupLink
}

func interviewErrorText(err error) string {
	switch {
	case errors.Is(err, interview.ErrInterviewInProgress):
		return "Another admin is already setting up that session."
	case errors.Is(err, interview.ErrOwnerBusy):
		return "You already have a session setup in progress. Send /cancel first."
	case errors.Is(err, interview.ErrNoInterview):
		return "No session setup in progress."
	case errors.Is(err, interview.ErrUnknownIdentity):
		return "Unknown session identity."
	default:
		return "Session setup failed. Please try again."
	}
}

func lifecycleErrorText(err error) string {
	if errors.Is(err, domain.ErrNotFound) {
		return "That submission no longer exists."
	}
	return "Something went wrong. Please try again later."
}
