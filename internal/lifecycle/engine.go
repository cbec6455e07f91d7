// Package lifecycle drives group submissions from invite link to payment.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/logging"
	"tg_group_market_bot/internal/pricing"
)

// DefaultUsedMessageThreshold is the message count from which a group counts
// as used when settings carry no threshold.
const DefaultUsedMessageThreshold = 10

// Transport errors with a user-meaningful text. Anything else is reported
// as a generic join failure and only logged in full.
var (
	ErrNoSession      = errors.New("no active userbot session")
	ErrInviteExpired  = errors.New("invite link expired")
	ErrInviteInvalid  = errors.New("invite link is invalid")
	ErrJoinRequest    = errors.New("join request sent, waiting for group admin approval")
	ErrInvalidAmount  = errors.New("payment amount must be positive")
	ErrInvalidVerdict = errors.New("unknown verification status")
)

// GroupRef addresses a joined group for follow-up transport calls.
type GroupRef struct {
	ID         int64
	AccessHash int64
	IsChannel  bool
}

// GroupInfo is what the userbot learns when it joins a group.
type GroupInfo struct {
	GroupRef
	Title        string
	AgeDays      int
	MemberCount  int
	MessageCount int
}

// Transport is the userbot side the engine drives.
type Transport interface {
	JoinGroup(ctx context.Context, identity, link string) (GroupInfo, error)
	CheckOwnership(ctx context.Context, identity string, group GroupRef) (bool, error)
}

// UserStore is the user persistence the engine needs.
type UserStore interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	CreditOnce(ctx context.Context, userID int64, key string, amount decimal.Decimal) (bool, error)
}

// SubmissionStore is the submission persistence the engine needs.
type SubmissionStore interface {
	Create(ctx context.Context, sub domain.Submission) (domain.Submission, error)
	Get(ctx context.Context, id string) (domain.Submission, error)
	FindByUserAndLink(ctx context.Context, userID int64, link string) (domain.Submission, error)
	Transition(ctx context.Context, id string, from []domain.SubmissionStatus, to domain.SubmissionStatus, patch domain.SubmissionPatch) (domain.Submission, bool, error)
	MarkOwnershipTransferred(ctx context.Context, id string, transferred bool) (domain.Submission, bool, error)
	ReservePayment(ctx context.Context, id string, amount decimal.Decimal) (domain.Submission, error)
	MarkPaid(ctx context.Context, id string, amount decimal.Decimal) (bool, error)
	Delete(ctx context.Context, id string) error
}

// Pricer quotes a joined submission.
type Pricer interface {
	QuoteSubmission(ctx context.Context, sub domain.Submission) (pricing.Quote, error)
}

// SettingsSource returns the current business settings.
type SettingsSource interface {
	Get(ctx context.Context) (domain.BotSettings, error)
}

// ActivityAppender writes audit records.
type ActivityAppender interface {
	Append(ctx context.Context, entry domain.ActivityLog) (domain.ActivityLog, error)
}

// NotificationAppender writes user notifications.
type NotificationAppender interface {
	Append(ctx context.Context, n domain.Notification) (domain.Notification, error)
}

// Notifier pushes a message to a user outside a conversation they started.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Actor identifies who triggers an operation. Admin actions may touch any
// submission and push a notification to its owner.
type Actor struct {
	UserID int64
	Admin  bool
}

// Deps bundles the engine collaborators. Notifier and Identities are optional.
type Deps struct {
	Users         UserStore
	Submissions   SubmissionStore
	Pricer        Pricer
	Settings      SettingsSource
	Activity      ActivityAppender
	Notifications NotificationAppender
	Transport     Transport
	Notifier      Notifier
	Identities    []string
	Logger        *logrus.Entry
	Now           func() time.Time
}

// Engine is the submission state machine. Every state change is a
// conditional repository update, so concurrent callers cannot both apply it.
type Engine struct {
	users         UserStore
	submissions   SubmissionStore
	pricer        Pricer
	settings      SettingsSource
	activity      ActivityAppender
	notifications NotificationAppender
	transport     Transport
	identities    []string
	logger        *logrus.Entry
	now           func() time.Time

	mu       sync.RWMutex
	notifier Notifier
}

// NewEngine validates deps and constructs an Engine.
func NewEngine(deps Deps) (*Engine, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("user store is required")
	case deps.Submissions == nil:
		return nil, errors.New("submission store is required")
	case deps.Pricer == nil:
		return nil, errors.New("pricer is required")
	case deps.Settings == nil:
		return nil, errors.New("settings source is required")
	case deps.Activity == nil || deps.Notifications == nil:
		return nil, errors.New("activity and notification stores are required")
	case deps.Transport == nil:
		return nil, errors.New("userbot transport is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Logger()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	identities := deps.Identities
	if len(identities) == 0 {
		identities = []string{domain.IdentityPrimary, domain.IdentitySecondary}
	}

	return &Engine{
		users:         deps.Users,
		submissions:   deps.Submissions,
		pricer:        deps.Pricer,
		settings:      deps.Settings,
		activity:      deps.Activity,
		notifications: deps.Notifications,
		transport:     deps.Transport,
		identities:    identities,
		logger:        logger,
		now:           now,
		notifier:      deps.Notifier,
	}, nil
}

// SetNotifier attaches the push channel once the bot transport exists.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

func (e *Engine) ready(ctx context.Context) error {
	if e == nil || e.submissions == nil {
		return errors.New("lifecycle engine is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func (e *Engine) currentSettings(ctx context.Context) domain.BotSettings {
	settings, err := e.settings.Get(ctx)
	if err != nil {
		e.logger.WithError(err).WithField("event", "settings_load_failed").Warn("falling back to default settings")
		settings = domain.BotSettings{}
	}
	if settings.UsedMessageThreshold <= 0 {
		settings.UsedMessageThreshold = DefaultUsedMessageThreshold
	}
	if settings.MinGroupAgeDays < 0 {
		settings.MinGroupAgeDays = 0
	}
	return settings
}

// Classify maps a message count onto a category.
func Classify(messageCount, threshold int) domain.Category {
	if threshold <= 0 {
		threshold = DefaultUsedMessageThreshold
	}
	if messageCount >= threshold {
		return domain.CategoryUsed
	}
	return domain.CategoryUnused
}

// Submit registers every invite link in text for userID and joins each one.
func (e *Engine) Submit(ctx context.Context, userID int64, text string) ([]Outcome, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}

	links := ExtractInviteLinks(text)
	if len(links) == 0 {
		return []Outcome{{Kind: KindNoLinks, Message: "No invite link found. Send a link like https://t.me/+AbCdEf."}}, nil
	}

	user, err := e.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return []Outcome{{Kind: KindUnknownUser, Message: "Please press /start first."}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	settings := e.currentSettings(ctx)
	if settings.RequiredChannel != "" && !user.ChannelVerified {
		return []Outcome{{
			Kind:    KindChannelRequired,
			Message: fmt.Sprintf("Join %s and press /verify before submitting groups.", settings.RequiredChannel),
		}}, nil
	}

	outcomes := make([]Outcome, 0, len(links))
	for _, link := range links {
		sub, err := e.submissions.Create(ctx, domain.Submission{UserID: userID, GroupLink: link})
		if errors.Is(err, domain.ErrDuplicate) {
			existing, findErr := e.submissions.FindByUserAndLink(ctx, userID, link)
			if findErr != nil {
				return outcomes, fmt.Errorf("load duplicate submission: %w", findErr)
			}
			outcomes = append(outcomes, Outcome{
				Kind:       KindDuplicate,
				Message:    fmt.Sprintf("You already submitted %s (status: %s).", link, existing.Status),
				Submission: existing,
			})
			continue
		}
		if err != nil {
			return outcomes, fmt.Errorf("create submission: %w", err)
		}

		e.record(ctx, event{
			userID:       userID,
			submissionID: sub.ID,
			action:       domain.ActionGroupSubmitted,
			description:  fmt.Sprintf("submitted %s", link),
		})

		outcome, err := e.join(ctx, sub.ID, []domain.SubmissionStatus{domain.StatusPending}, false)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

// Join runs the join step for a pending or failed submission.
func (e *Engine) Join(ctx context.Context, id string) (Outcome, error) {
	if err := e.ready(ctx); err != nil {
		return Outcome{}, err
	}
	return e.join(ctx, id, []domain.SubmissionStatus{domain.StatusPending, domain.StatusFailed}, false)
}

// Retry re-enters joining from failed.
func (e *Engine) Retry(ctx context.Context, id string, actor Actor) (Outcome, error) {
	if err := e.ready(ctx); err != nil {
		return Outcome{}, err
	}

	sub, err := e.submissions.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if !actor.Admin && sub.UserID != actor.UserID {
		return notYours(), nil
	}
	if sub.Status != domain.StatusFailed {
		return Outcome{
			Kind:       KindNotAllowed,
			Message:    fmt.Sprintf("Only failed submissions can be retried (this one is %s).", sub.Status),
			Submission: sub,
		}, nil
	}

	return e.join(ctx, id, []domain.SubmissionStatus{domain.StatusFailed}, actor.Admin)
}

func (e *Engine) join(ctx context.Context, id string, from []domain.SubmissionStatus, push bool) (Outcome, error) {
	sub, applied, err := e.submissions.Transition(ctx, id, from, domain.StatusJoining, domain.SubmissionPatch{ErrorMessage: ptr("")})
	if err != nil {
		return Outcome{}, fmt.Errorf("start join: %w", err)
	}
	if !applied {
		return busyOrNotAllowed(sub), nil
	}

	logger := e.logger.WithFields(logging.Context{SubmissionID: sub.ID, UserID: sub.UserID}.Fields())

	info, identity, joinErr := e.joinWithAnyIdentity(ctx, sub.GroupLink, logger)
	if joinErr != nil {
		return e.failJoin(ctx, sub, joinErr, push, logger)
	}

	settings := e.currentSettings(ctx)
	now := e.now()
	created := now.AddDate(0, 0, -info.AgeDays)
	category := Classify(info.MessageCount, settings.UsedMessageThreshold)

	patch := domain.SubmissionPatch{
		GroupName:       ptr(info.Title),
		GroupID:         ptr(info.ID),
		GroupAccessHash: ptr(info.AccessHash),
		GroupIsChannel:  ptr(info.IsChannel),
		JoinedVia:       ptr(identity),
		GroupAge:        ptr(info.AgeDays),
		GroupYear:       ptr(created.Year()),
		GroupMonth:      ptr(int(created.Month())),
		MemberCount:     ptr(info.MemberCount),
		MessageCount:    ptr(info.MessageCount),
		GroupType:       ptr(category),
		JoinedAt:        ptr(now),
	}
	sub, applied, err = e.submissions.Transition(ctx, id, []domain.SubmissionStatus{domain.StatusJoining}, domain.StatusJoined, patch)
	if err != nil {
		return Outcome{}, fmt.Errorf("record join: %w", err)
	}
	if !applied {
		return busyOrNotAllowed(sub), nil
	}

	logger.WithFields(logging.Fields{
		"event":     domain.ActionGroupJoined,
		"identity":  identity,
		"group_age": info.AgeDays,
		"category":  category,
	}).Info("userbot joined group")
	e.record(ctx, event{
		userID:       sub.UserID,
		submissionID: sub.ID,
		action:       domain.ActionGroupJoined,
		description:  fmt.Sprintf("joined %q via %s", info.Title, identity),
	})

	return e.gate(ctx, sub, settings, push, logger)
}

func (e *Engine) joinWithAnyIdentity(ctx context.Context, link string, logger *logrus.Entry) (GroupInfo, string, error) {
	var firstErr error
	for _, identity := range e.identities {
		info, err := e.transport.JoinGroup(ctx, identity, link)
		if err == nil {
			return info, identity, nil
		}

		logger.WithError(err).WithFields(logging.Fields{
			"event":    "userbot_join_attempt_failed",
			"identity": identity,
		}).Warn("userbot could not join group")

		if errors.Is(err, ErrNoSession) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if firstErr == nil || errors.Is(firstErr, ErrNoSession) {
			firstErr = err
		}
		// Invite problems are the same for every account.
		if errors.Is(err, ErrInviteExpired) || errors.Is(err, ErrInviteInvalid) {
			break
		}
	}
	if firstErr == nil {
		firstErr = ErrNoSession
	}
	return GroupInfo{}, "", firstErr
}

func (e *Engine) failJoin(ctx context.Context, sub domain.Submission, joinErr error, push bool, logger *logrus.Entry) (Outcome, error) {
	reason := describeJoinError(joinErr)

	failed, applied, err := e.submissions.Transition(ctx, sub.ID, []domain.SubmissionStatus{domain.StatusJoining}, domain.StatusFailed, domain.SubmissionPatch{ErrorMessage: ptr(reason)})
	if err != nil {
		return Outcome{}, fmt.Errorf("record join failure: %w", err)
	}
	if !applied {
		return busyOrNotAllowed(failed), nil
	}

	logger.WithError(joinErr).WithField("event", domain.ActionGroupJoinFailed).Warn("group join failed")

	message := fmt.Sprintf("Could not join %s: %s. You can retry later.", sub.GroupLink, reason)
	e.record(ctx, event{
		userID:       sub.UserID,
		submissionID: sub.ID,
		action:       domain.ActionGroupJoinFailed,
		description:  reason,
		notify:       message,
		push:         push,
	})

	return Outcome{Kind: KindFailed, Message: message, Submission: failed}, nil
}

func describeJoinError(err error) string {
	for _, known := range []error{ErrInviteExpired, ErrInviteInvalid, ErrJoinRequest, ErrNoSession} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "the group could not be joined"
}

func (e *Engine) gate(ctx context.Context, sub domain.Submission, settings domain.BotSettings, push bool, logger *logrus.Entry) (Outcome, error) {
	if sub.GroupAge >= settings.MinGroupAgeDays {
		return e.approve(ctx, sub, []domain.SubmissionStatus{domain.StatusJoined}, push, logger)
	}

	reason := fmt.Sprintf("group too new: %d days old, at least %d required", sub.GroupAge, settings.MinGroupAgeDays)
	return e.reject(ctx, sub, []domain.SubmissionStatus{domain.StatusJoined}, reason, push, logger)
}

func (e *Engine) approve(ctx context.Context, sub domain.Submission, from []domain.SubmissionStatus, push bool, logger *logrus.Entry) (Outcome, error) {
	approved, applied, err := e.submissions.Transition(ctx, sub.ID, from, domain.StatusApproved, domain.SubmissionPatch{
		VerifiedAt:      ptr(e.now()),
		RejectionReason: ptr(""),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("approve submission: %w", err)
	}
	if !applied {
		return busyOrNotAllowed(approved), nil
	}

	var quote *pricing.Quote
	if q, err := e.pricer.QuoteSubmission(ctx, approved); err != nil {
		logger.WithError(err).WithField("event", "price_lookup_failed").Warn("could not quote approved group")
	} else {
		quote = &q
	}

	message := approvalMessage(approved, quote)
	logger.WithField("event", domain.ActionGroupApproved).Info("group approved")
	e.record(ctx, event{
		userID:       approved.UserID,
		submissionID: approved.ID,
		action:       domain.ActionGroupApproved,
		description:  fmt.Sprintf("approved %q (%d days old)", approved.GroupName, approved.GroupAge),
		notify:       message,
		push:         push,
	})

	return Outcome{Kind: KindApproved, Message: message, Submission: approved, Quote: quote}, nil
}

func (e *Engine) reject(ctx context.Context, sub domain.Submission, from []domain.SubmissionStatus, reason string, push bool, logger *logrus.Entry) (Outcome, error) {
	rejected, applied, err := e.submissions.Transition(ctx, sub.ID, from, domain.StatusRejected, domain.SubmissionPatch{
		VerifiedAt:      ptr(e.now()),
		RejectionReason: ptr(reason),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("reject submission: %w", err)
	}
	if !applied {
		return busyOrNotAllowed(rejected), nil
	}

	message := fmt.Sprintf("Group %s was rejected: %s.", displayGroup(rejected), reason)
	logger.WithFields(logging.Fields{"event": domain.ActionGroupRejected, "reason": reason}).Info("group rejected")
	e.record(ctx, event{
		userID:       rejected.UserID,
		submissionID: rejected.ID,
		action:       domain.ActionGroupRejected,
		description:  reason,
		notify:       message,
		push:         push,
	})

	return Outcome{Kind: KindRejected, Message: message, Submission: rejected}, nil
}

func approvalMessage(sub domain.Submission, quote *pricing.Quote) string {
	message := fmt.Sprintf("Group %s approved (%d days old, %s).", displayGroup(sub), sub.GroupAge, sub.GroupType)
	switch {
	case quote == nil || !quote.Configured:
		message += " The price for this group is not configured yet; an admin will set it."
	default:
		message += fmt.Sprintf(" Price: %s.", quote.Price.StringFixed(2))
		if quote.Advisory && quote.UnusedPrice != nil {
			message += fmt.Sprintf(" Used groups are worth less than unused ones (%s), so this is your price.", quote.UnusedPrice.StringFixed(2))
		}
	}
	return message + " Transfer ownership to the operator account, then confirm."
}

// ConfirmOwnership verifies that the operator account now owns the group and
// pays the submitter. Repeating it after payment is a no-op.
func (e *Engine) ConfirmOwnership(ctx context.Context, id string, userID int64) (Outcome, error) {
	if err := e.ready(ctx); err != nil {
		return Outcome{}, err
	}

	sub, err := e.submissions.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if sub.UserID != userID {
		return notYours(), nil
	}
	if sub.PaymentAdded {
		return alreadyPaid(sub), nil
	}
	if sub.Status != domain.StatusApproved {
		return Outcome{
			Kind:       KindNotAllowed,
			Message:    fmt.Sprintf("Ownership can only be confirmed for approved groups (this one is %s).", sub.Status),
			Submission: sub,
		}, nil
	}

	logger := e.logger.WithFields(logging.Context{SubmissionID: sub.ID, UserID: sub.UserID}.Fields())

	if !sub.OwnershipTransferred {
		identity := sub.JoinedVia
		if identity == "" {
			identity = e.identities[0]
		}

		owner, err := e.transport.CheckOwnership(ctx, identity, GroupRef{ID: sub.GroupID, AccessHash: sub.GroupAccessHash, IsChannel: sub.GroupIsChannel})
		if err != nil {
			logger.WithError(err).WithFields(logging.Fields{"event": "ownership_check_failed", "identity": identity}).Warn("ownership check failed")
			return Outcome{
				Kind:       KindOwnershipError,
				Message:    fmt.Sprintf("Ownership check failed: %v", err),
				Submission: sub,
			}, nil
		}
		if !owner {
			return Outcome{
				Kind:       KindNotOwner,
				Message:    fmt.Sprintf("The operator account is not the owner of %s yet. Transfer ownership and try again.", displayGroup(sub)),
				Submission: sub,
			}, nil
		}

		marked, changed, err := e.submissions.MarkOwnershipTransferred(ctx, sub.ID, true)
		if err != nil {
			return Outcome{}, fmt.Errorf("record ownership: %w", err)
		}
		sub = marked
		if changed {
			logger.WithField("event", domain.ActionOwnershipTransferred).Info("ownership transferred")
			e.record(ctx, event{
				userID:       sub.UserID,
				submissionID: sub.ID,
				action:       domain.ActionOwnershipTransferred,
				description:  fmt.Sprintf("ownership of %q confirmed by %s", sub.GroupName, identity),
			})
		}
	}

	return e.settle(ctx, sub, nil, false, logger)
}

// settle credits the submitter once and marks the submission paid. The amount
// is reserved on the submission first and the credit is keyed by the
// submission id, so a replay after a crash pays the reserved amount and never
// credits twice.
func (e *Engine) settle(ctx context.Context, sub domain.Submission, override *decimal.Decimal, push bool, logger *logrus.Entry) (Outcome, error) {
	if sub.PaymentAdded {
		return alreadyPaid(sub), nil
	}

	var amount decimal.Decimal
	switch {
	case override != nil:
		amount = *override
	case sub.PaymentAmount != nil:
		amount = *sub.PaymentAmount
	default:
		quote, err := e.pricer.QuoteSubmission(ctx, sub)
		if err != nil {
			return Outcome{}, fmt.Errorf("quote submission: %w", err)
		}
		if !quote.Configured || !quote.Price.IsPositive() {
			logger.WithField("event", "price_not_configured").Warn("no price configured for transferred group")
			message := fmt.Sprintf("Ownership of %s is confirmed, but no price is configured for it yet. An admin will add your payment.", displayGroup(sub))
			e.pushOnly(ctx, sub.UserID, message, push)
			return Outcome{Kind: KindPriceUnavailable, Message: message, Submission: sub}, nil
		}
		amount = quote.Price
	}

	reserved, err := e.submissions.ReservePayment(ctx, sub.ID, amount)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve payment: %w", err)
	}
	if reserved.PaymentAdded {
		return alreadyPaid(reserved), nil
	}
	if reserved.PaymentAmount == nil {
		return Outcome{}, errors.New("payment reservation was not stored")
	}
	if !reserved.PaymentAmount.Equal(amount) {
		logger.WithFields(logging.Fields{
			"event":     "payment_amount_reserved",
			"requested": amount.String(),
			"reserved":  reserved.PaymentAmount.String(),
		}).Warn("settling with the amount reserved by an earlier attempt")
		amount = *reserved.PaymentAmount
	}

	credited, err := e.users.CreditOnce(ctx, sub.UserID, sub.ID, amount)
	if err != nil {
		return Outcome{}, fmt.Errorf("credit balance: %w", err)
	}

	paid, err := e.submissions.MarkPaid(ctx, sub.ID, amount)
	if err != nil {
		return Outcome{}, fmt.Errorf("mark paid: %w", err)
	}
	if !paid {
		current, err := e.submissions.Get(ctx, sub.ID)
		if err != nil {
			return Outcome{}, err
		}
		return alreadyPaid(current), nil
	}

	sub.PaymentAdded = true
	sub.PaymentAmount = &amount

	logger.WithFields(logging.Fields{
		"event":    domain.ActionPaymentAdded,
		"amount":   amount.String(),
		"replayed": !credited,
	}).Info("submission paid")

	message := fmt.Sprintf("%s was added to your balance for %s.", amount.StringFixed(2), displayGroup(sub))
	e.record(ctx, event{
		userID:       sub.UserID,
		submissionID: sub.ID,
		action:       domain.ActionPaymentAdded,
		description:  fmt.Sprintf("credited %s for %q", amount.String(), sub.GroupName),
		notify:       message,
		push:         push,
	})

	return Outcome{Kind: KindPaid, Message: message, Submission: sub, Amount: &amount}, nil
}

// SetVerification is the admin override for the verification verdict.
func (e *Engine) SetVerification(ctx context.Context, id string, verdict domain.VerificationStatus, reason string) (Outcome, error) {
	if err := e.ready(ctx); err != nil {
		return Outcome{}, err
	}

	sub, err := e.submissions.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if sub.PaymentAdded && verdict != domain.VerificationApproved {
		return Outcome{Kind: KindNotAllowed, Message: "This submission is already paid.", Submission: sub}, nil
	}

	logger := e.logger.WithFields(logging.Fields{"submission_id": sub.ID, "user_id": sub.UserID, "actor": "admin"})

	switch verdict {
	case domain.VerificationApproved:
		if sub.Status == domain.StatusApproved {
			return Outcome{Kind: KindApproved, Message: "Already approved.", Submission: sub}, nil
		}
		outcome, err := e.approve(ctx, sub, allExcept(domain.StatusApproved), true, logger)
		if err != nil || outcome.Kind != KindApproved || !outcome.Submission.OwnershipTransferred {
			return outcome, err
		}
		return e.settle(ctx, outcome.Submission, nil, true, logger)
	case domain.VerificationRejected:
		if reason == "" {
			reason = "rejected by admin"
		}
		return e.reject(ctx, sub, allExcept(domain.StatusRejected), reason, true, logger)
	case domain.VerificationPending:
		target := domain.StatusPending
		if sub.GroupID != 0 {
			target = domain.StatusJoined
		}
		back, applied, err := e.submissions.Transition(ctx, sub.ID, []domain.SubmissionStatus{domain.StatusApproved, domain.StatusRejected}, target, domain.SubmissionPatch{RejectionReason: ptr("")})
		if err != nil {
			return Outcome{}, fmt.Errorf("reset verification: %w", err)
		}
		if !applied {
			return busyOrNotAllowed(back), nil
		}
		message := fmt.Sprintf("Group %s is back under review.", displayGroup(back))
		e.pushOnly(ctx, back.UserID, message, true)
		return Outcome{Kind: KindPending, Message: message, Submission: back}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidVerdict, verdict)
	}
}

// SetOwnershipTransferred is the admin override for the ownership flag.
// Setting it on an approved unpaid submission settles payment.
func (e *Engine) SetOwnershipTransferred(ctx context.Context, id string, transferred bool) (Outcome, error) {
	if err := e.ready(ctx); err != nil {
		return Outcome{}, err
	}

	sub, changed, err := e.submissions.MarkOwnershipTransferred(ctx, id, transferred)
	if err != nil {
		return Outcome{}, err
	}

	logger := e.logger.WithFields(logging.Fields{"submission_id": sub.ID, "user_id": sub.UserID, "actor": "admin"})
	if changed {
		logger.WithFields(logging.Fields{"event": domain.ActionOwnershipTransferred, "transferred": transferred}).Info("ownership flag set by admin")
		e.record(ctx, event{
			userID:       sub.UserID,
			submissionID: sub.ID,
			action:       domain.ActionOwnershipTransferred,
			description:  fmt.Sprintf("admin set ownership_transferred=%t", transferred),
		})
	}

	if transferred && sub.Status == domain.StatusApproved && !sub.PaymentAdded {
		return e.settle(ctx, sub, nil, true, logger)
	}

	message := fmt.Sprintf("Ownership of %s was marked as not transferred.", displayGroup(sub))
	if transferred {
		message = fmt.Sprintf("Ownership of %s was marked as transferred.", displayGroup(sub))
	}
	if changed {
		e.pushOnly(ctx, sub.UserID, message, true)
	}

	return Outcome{Kind: KindOwnershipSet, Message: message, Submission: sub}, nil
}

// InjectPayment credits amount for a submission, bypassing pricing and the
// transport checks. It settles at most once per submission.
func (e *Engine) InjectPayment(ctx context.Context, id string, amount decimal.Decimal) (Outcome, error) {
	if err := e.ready(ctx); err != nil {
		return Outcome{}, err
	}
	if !amount.IsPositive() {
		return Outcome{}, ErrInvalidAmount
	}

	sub, err := e.submissions.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	logger := e.logger.WithFields(logging.Fields{"submission_id": sub.ID, "user_id": sub.UserID, "actor": "admin"})
	return e.settle(ctx, sub, &amount, true, logger)
}

// Delete removes a submission. Users may only delete their own.
func (e *Engine) Delete(ctx context.Context, id string, actor Actor) (Outcome, error) {
	if err := e.ready(ctx); err != nil {
		return Outcome{}, err
	}

	sub, err := e.submissions.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if !actor.Admin && sub.UserID != actor.UserID {
		return notYours(), nil
	}

	if err := e.submissions.Delete(ctx, id); err != nil {
		return Outcome{}, err
	}

	e.logger.WithFields(logging.Fields{
		"event":         domain.ActionSubmissionDeleted,
		"submission_id": sub.ID,
		"user_id":       sub.UserID,
		"admin":         actor.Admin,
	}).Info("submission deleted")

	message := fmt.Sprintf("Submission %s was removed.", sub.GroupLink)
	ev := event{
		userID:       sub.UserID,
		submissionID: sub.ID,
		action:       domain.ActionSubmissionDeleted,
		description:  fmt.Sprintf("deleted %s", sub.GroupLink),
	}
	if actor.Admin {
		ev.notify = message
		ev.push = true
	}
	e.record(ctx, ev)

	return Outcome{Kind: KindDeleted, Message: message, Submission: sub}, nil
}

type event struct {
	userID       int64
	submissionID string
	action       string
	description  string
	notify       string
	push         bool
}

// record writes the audit trail of a business event. Audit writes never undo
// the state change that produced them, so failures are logged only.
func (e *Engine) record(ctx context.Context, ev event) {
	logger := e.logger.WithFields(logging.Context{SubmissionID: ev.submissionID, UserID: ev.userID}.Fields())

	if _, err := e.activity.Append(ctx, domain.ActivityLog{
		UserID:       ev.userID,
		Action:       ev.action,
		Description:  ev.description,
		SubmissionID: ev.submissionID,
	}); err != nil {
		logger.WithError(err).WithField("event", "activity_append_failed").Warn("could not write activity log")
	}

	if ev.notify == "" {
		return
	}

	if _, err := e.notifications.Append(ctx, domain.Notification{
		UserID:       ev.userID,
		Type:         ev.action,
		Message:      ev.notify,
		SubmissionID: ev.submissionID,
	}); err != nil {
		logger.WithError(err).WithField("event", "notification_append_failed").Warn("could not write notification")
	}

	e.pushOnly(ctx, ev.userID, ev.notify, ev.push)
}

func (e *Engine) pushOnly(ctx context.Context, userID int64, text string, push bool) {
	if !push {
		return
	}

	e.mu.RLock()
	notifier := e.notifier
	e.mu.RUnlock()
	if notifier == nil {
		return
	}

	if err := notifier.Notify(ctx, userID, text); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{"event": "notify_failed", "user_id": userID}).Warn("could not notify user")
	}
}

func busyOrNotAllowed(sub domain.Submission) Outcome {
	if sub.Status == domain.StatusJoining {
		return Outcome{Kind: KindBusy, Message: "This group is already being checked.", Submission: sub}
	}
	return Outcome{
		Kind:       KindNotAllowed,
		Message:    fmt.Sprintf("This submission is %s; nothing to do.", sub.Status),
		Submission: sub,
	}
}

func notYours() Outcome {
	return Outcome{Kind: KindNotAllowed, Message: "This submission belongs to another user."}
}

func alreadyPaid(sub domain.Submission) Outcome {
	return Outcome{Kind: KindAlreadyPaid, Message: "Payment for this group was already added.", Submission: sub, Amount: sub.PaymentAmount}
}

func allExcept(excluded domain.SubmissionStatus) []domain.SubmissionStatus {
	all := []domain.SubmissionStatus{
		domain.StatusPending, domain.StatusJoining, domain.StatusJoined,
		domain.StatusFailed, domain.StatusApproved, domain.StatusRejected,
	}
	out := make([]domain.SubmissionStatus, 0, len(all)-1)
	for _, status := range all {
		if status != excluded {
			out = append(out, status)
		}
	}
	return out
}

func displayGroup(sub domain.Submission) string {
	if sub.GroupName != "" {
		return fmt.Sprintf("%q", sub.GroupName)
	}
	return sub.GroupLink
}

func ptr[T any](v T) *T {
	return &v
}
