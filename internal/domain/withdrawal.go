package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the admin-controlled state of a payout request.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// Withdrawal is a payout request for a user's whole balance at request time.
type Withdrawal struct {
	ID             string           `bson:"_id" json:"id"`
	UserID         int64            `bson:"user_id" json:"user_id"`
	Amount         decimal.Decimal  `bson:"amount" json:"amount"`
	PaymentMethod  string           `bson:"payment_method" json:"payment_method"`
	PaymentDetails string           `bson:"payment_details" json:"payment_details"`
	Status         WithdrawalStatus `bson:"status" json:"status"`
	AdminNote      string           `bson:"admin_note,omitempty" json:"admin_note,omitempty"`
	CreatedAt      time.Time        `bson:"created_at" json:"created_at"`
	ProcessedAt    *time.Time       `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}
