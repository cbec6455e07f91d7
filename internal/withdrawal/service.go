// Package withdrawal turns a user's balance into payout requests that admins
// approve or reject.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/logging"
)

// ErrInvalidRequest is returned for a request without method or details.
var ErrInvalidRequest = errors.New("payment method and details are required")

// Balances is the balance side of the user store.
type Balances interface {
	DrainBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	AddBalance(ctx context.Context, userID int64, delta decimal.Decimal) (domain.User, error)
	CreditOnce(ctx context.Context, userID int64, key string, amount decimal.Decimal) (bool, error)
}

// Store persists withdrawal records.
type Store interface {
	Create(ctx context.Context, w domain.Withdrawal) (domain.Withdrawal, error)
	Resolve(ctx context.Context, id string, to domain.WithdrawalStatus, note string) (domain.Withdrawal, bool, error)
}

// ActivityAppender writes audit records.
type ActivityAppender interface {
	Append(ctx context.Context, entry domain.ActivityLog) (domain.ActivityLog, error)
}

// NotificationAppender writes user notifications.
type NotificationAppender interface {
	Append(ctx context.Context, n domain.Notification) (domain.Notification, error)
}

// Notifier pushes messages to users and to the admin chat.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
	NotifyAdmins(ctx context.Context, text string) error
}

// Kind names the result of a withdrawal call.
type Kind string

const (
	KindRequested         Kind = "requested"
	KindNothingToWithdraw Kind = "nothing_to_withdraw"
	KindApproved          Kind = "approved"
	KindRejected          Kind = "rejected"
	KindAlreadyResolved   Kind = "already_resolved"
)

// Outcome carries the result and a user-facing message.
type Outcome struct {
	Kind       Kind              `json:"kind"`
	Message    string            `json:"message"`
	Withdrawal domain.Withdrawal `json:"withdrawal"`
}

// Service coordinates balances and withdrawal records.
type Service struct {
	balances      Balances
	store         Store
	activity      ActivityAppender
	notifications NotificationAppender
	logger        *logrus.Entry

	notifier Notifier
}

// NewService constructs a Service. notifier may be nil and set later.
func NewService(balances Balances, store Store, activity ActivityAppender, notifications NotificationAppender, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Service{
		balances:      balances,
		store:         store,
		activity:      activity,
		notifications: notifications,
		logger:        logger,
	}
}

// SetNotifier attaches the push channel. It must be called before serving.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) ready(ctx context.Context) error {
	if s == nil || s.balances == nil || s.store == nil {
		return errors.New("withdrawal service is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

// Request drains the whole balance of userID into a pending withdrawal.
// Concurrent requests drain once; the losers see a zero balance.
func (s *Service) Request(ctx context.Context, userID int64, method, details string) (Outcome, error) {
	if err := s.ready(ctx); err != nil {
		return Outcome{}, err
	}

	method = strings.TrimSpace(method)
	details = strings.TrimSpace(details)
	if method == "" || details == "" {
		return Outcome{}, ErrInvalidRequest
	}

	amount, err := s.balances.DrainBalance(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("drain balance: %w", err)
	}
	if !amount.IsPositive() {
		return Outcome{Kind: KindNothingToWithdraw, Message: "Your balance is empty, nothing to withdraw."}, nil
	}

	logger := s.logger.WithFields(logging.Fields{"user_id": userID, "amount": amount.String()})

	w, err := s.store.Create(ctx, domain.Withdrawal{
		UserID:         userID,
		Amount:         amount,
		PaymentMethod:  method,
		PaymentDetails: details,
	})
	if err != nil {
		if _, refundErr := s.balances.AddBalance(ctx, userID, amount); refundErr != nil {
			logger.WithError(refundErr).WithField("event", "withdrawal_refund_failed").Error("drained balance could not be restored")
		}
		return Outcome{}, fmt.Errorf("create withdrawal: %w", err)
	}

	logger = logger.WithField("withdrawal_id", w.ID)
	logger.WithField("event", domain.ActionWithdrawalRequested).Info("withdrawal requested")

	message := fmt.Sprintf("Withdrawal of %s via %s requested. An admin will process it soon.", amount.StringFixed(2), method)
	s.record(ctx, logger, userID, domain.ActionWithdrawalRequested, fmt.Sprintf("requested %s via %s", amount.String(), method), message, w.ID)

	if n := s.notifier; n != nil {
		text := fmt.Sprintf("New withdrawal %s: user %d, %s via %s (%s)", w.ID, userID, amount.StringFixed(2), method, details)
		if err := n.NotifyAdmins(ctx, text); err != nil {
			logger.WithError(err).WithField("event", "notify_admins_failed").Warn("could not notify admins")
		}
	}

	return Outcome{Kind: KindRequested, Message: message, Withdrawal: w}, nil
}

// Approve marks a pending withdrawal as paid out.
func (s *Service) Approve(ctx context.Context, id, note string) (Outcome, error) {
	if err := s.ready(ctx); err != nil {
		return Outcome{}, err
	}

	w, applied, err := s.store.Resolve(ctx, id, domain.WithdrawalApproved, note)
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		return alreadyResolved(w), nil
	}

	logger := s.logger.WithFields(logging.Fields{"user_id": w.UserID, "withdrawal_id": w.ID, "amount": w.Amount.String()})
	logger.WithField("event", domain.ActionWithdrawalApproved).Info("withdrawal approved")

	message := fmt.Sprintf("Your withdrawal of %s was approved.", w.Amount.StringFixed(2))
	if note != "" {
		message += " Note: " + note
	}
	s.record(ctx, logger, w.UserID, domain.ActionWithdrawalApproved, fmt.Sprintf("approved %s", w.Amount.String()), message, w.ID)
	s.push(ctx, logger, w.UserID, message)

	return Outcome{Kind: KindApproved, Message: message, Withdrawal: w}, nil
}

// Reject declines a pending withdrawal and returns its amount to the balance.
// The refund is keyed by the withdrawal id, so calling Reject again after a
// failed refund completes it and never refunds twice.
func (s *Service) Reject(ctx context.Context, id, note string) (Outcome, error) {
	if err := s.ready(ctx); err != nil {
		return Outcome{}, err
	}

	w, applied, err := s.store.Resolve(ctx, id, domain.WithdrawalRejected, note)
	if err != nil {
		return Outcome{}, err
	}
	if !applied && w.Status != domain.WithdrawalRejected {
		return alreadyResolved(w), nil
	}

	logger := s.logger.WithFields(logging.Fields{"user_id": w.UserID, "withdrawal_id": w.ID, "amount": w.Amount.String()})

	refunded, err := s.balances.CreditOnce(ctx, w.UserID, RefundKey(w.ID), w.Amount)
	if err != nil {
		logger.WithError(err).WithField("event", "withdrawal_refund_failed").Error("rejected withdrawal could not be refunded")
		return Outcome{}, fmt.Errorf("refund withdrawal: %w", err)
	}
	if !refunded && !applied {
		return alreadyResolved(w), nil
	}

	logger.WithFields(logging.Fields{
		"event":     domain.ActionWithdrawalRejected,
		"recovered": !applied,
	}).Info("withdrawal rejected and refunded")

	message := fmt.Sprintf("Your withdrawal of %s was rejected and returned to your balance.", w.Amount.StringFixed(2))
	if w.AdminNote != "" {
		message += " Reason: " + w.AdminNote
	}
	s.record(ctx, logger, w.UserID, domain.ActionWithdrawalRejected, fmt.Sprintf("rejected %s, refunded", w.Amount.String()), message, w.ID)
	s.push(ctx, logger, w.UserID, message)

	return Outcome{Kind: KindRejected, Message: message, Withdrawal: w}, nil
}

// RefundKey is the credit key of the refund for a rejected withdrawal.
func RefundKey(withdrawalID string) string {
	return "withdrawal:" + withdrawalID
}

func alreadyResolved(w domain.Withdrawal) Outcome {
	return Outcome{
		Kind:       KindAlreadyResolved,
		Message:    fmt.Sprintf("Withdrawal is already %s.", w.Status),
		Withdrawal: w,
	}
}

func (s *Service) record(ctx context.Context, logger *logrus.Entry, userID int64, action, description, message, withdrawalID string) {
	if s.activity != nil {
		if _, err := s.activity.Append(ctx, domain.ActivityLog{
			UserID:       userID,
			Action:       action,
			Description:  description,
			WithdrawalID: withdrawalID,
		}); err != nil {
			logger.WithError(err).WithField("event", "activity_append_failed").Warn("could not write activity log")
		}
	}

	if s.notifications != nil {
		if _, err := s.notifications.Append(ctx, domain.Notification{
			UserID:  userID,
			Type:    action,
			Message: message,
		}); err != nil {
			logger.WithError(err).WithField("event", "notification_append_failed").Warn("could not write notification")
		}
	}
}

func (s *Service) push(ctx context.Context, logger *logrus.Entry, userID int64, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, text); err != nil {
		logger.WithError(err).WithField("event", "notify_failed").Warn("could not notify user")
	}
}
