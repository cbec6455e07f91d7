package lifecycle

import (
	"github.com/shopspring/decimal"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/pricing"
)

// Kind names the business result of an engine call.
type Kind string

const (
	KindNoLinks          Kind = "no_links"
	KindUnknownUser      Kind = "unknown_user"
	KindChannelRequired  Kind = "channel_required"
	KindDuplicate        Kind = "duplicate"
	KindBusy             Kind = "busy"
	KindNotAllowed       Kind = "not_allowed"
	KindFailed           Kind = "failed"
	KindApproved         Kind = "approved"
	KindRejected         Kind = "rejected"
	KindPending          Kind = "pending"
	KindNotOwner         Kind = "not_owner"
	KindOwnershipError   Kind = "ownership_error"
	KindOwnershipSet     Kind = "ownership_set"
	KindPriceUnavailable Kind = "price_not_configured"
	KindPaid             Kind = "paid"
	KindAlreadyPaid      Kind = "already_paid"
	KindDeleted          Kind = "deleted"
)

// Outcome is the structured result of a lifecycle operation. Message is safe
// to show to the submitting user.
type Outcome struct {
	Kind       Kind              `json:"kind"`
	Message    string            `json:"message"`
	Submission domain.Submission `json:"submission"`
	Quote      *pricing.Quote    `json:"quote,omitempty"`
	Amount     *decimal.Decimal  `json:"amount,omitempty"`
}

// Succeeded reports whether the outcome moved the submission forward.
func (o Outcome) Succeeded() bool {
	switch o.Kind {
	case KindApproved, KindPaid, KindOwnershipSet, KindDeleted, KindPending:
		return true
	}
	return false
}
