package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmissionStatus is the single authoritative state of a group submission.
type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "pending"
	StatusJoining  SubmissionStatus = "joining"
	StatusJoined   SubmissionStatus = "joined"
	StatusFailed   SubmissionStatus = "failed"
	StatusApproved SubmissionStatus = "approved"
	StatusRejected SubmissionStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusJoining, StatusJoined, StatusFailed, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// VerificationStatus is kept for clients that still read the legacy
// verification axis. It is always derived from SubmissionStatus.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// VerificationFor maps a submission status onto the legacy verification axis.
func VerificationFor(status SubmissionStatus) VerificationStatus {
	switch status {
	case StatusApproved:
		return VerificationApproved
	case StatusRejected:
		return VerificationRejected
	default:
		return VerificationPending
	}
}

// Category classifies a group by its historical message volume.
type Category string

const (
	CategoryUsed   Category = "used"
	CategoryUnused Category = "unused"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryUsed || c == CategoryUnused
}

// Opposite returns the other category.
func (c Category) Opposite() Category {
	if c == CategoryUsed {
		return CategoryUnused
	}
	return CategoryUsed
}

// Submission tracks one invite link submitted by a user through join,
// verification, ownership transfer and payment.
type Submission struct {
	ID                   string             `bson:"_id" json:"id"`
	UserID               int64              `bson:"user_id" json:"user_id"`
	GroupLink            string             `bson:"group_link" json:"group_link"`
	GroupName            string             `bson:"group_name,omitempty" json:"group_name,omitempty"`
	GroupID              int64              `bson:"group_id,omitempty" json:"group_id,omitempty"`
	GroupAccessHash      int64              `bson:"group_access_hash,omitempty" json:"-"`
	GroupIsChannel       bool               `bson:"group_is_channel" json:"group_is_channel"`
	JoinedVia            string             `bson:"joined_via,omitempty" json:"joined_via,omitempty"`
	GroupAge             int                `bson:"group_age" json:"group_age"`
	GroupYear            *int               `bson:"group_year,omitempty" json:"group_year,omitempty"`
	GroupMonth           *int               `bson:"group_month,omitempty" json:"group_month,omitempty"`
	MemberCount          int                `bson:"member_count" json:"member_count"`
	MessageCount         int                `bson:"message_count" json:"message_count"`
	GroupType            Category           `bson:"group_type,omitempty" json:"group_type,omitempty"`
	Status               SubmissionStatus   `bson:"status" json:"status"`
	VerificationStatus   VerificationStatus `bson:"verification_status" json:"verification_status"`
	ErrorMessage         string             `bson:"error_message,omitempty" json:"error_message,omitempty"`
	RejectionReason      string             `bson:"rejection_reason,omitempty" json:"rejection_reason,omitempty"`
	OwnershipTransferred bool               `bson:"ownership_transferred" json:"ownership_transferred"`
	PaymentAdded         bool               `bson:"payment_added" json:"payment_added"`
	PaymentAmount        *decimal.Decimal   `bson:"payment_amount,omitempty" json:"payment_amount,omitempty"`
	CreatedAt            time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt            time.Time          `bson:"updated_at" json:"updated_at"`
	JoinedAt             *time.Time         `bson:"joined_at,omitempty" json:"joined_at,omitempty"`
	VerifiedAt           *time.Time         `bson:"verified_at,omitempty" json:"verified_at,omitempty"`
	OwnershipVerifiedAt  *time.Time         `bson:"ownership_verified_at,omitempty" json:"ownership_verified_at,omitempty"`
}

// SubmissionFilter narrows submission listings. Zero values match everything.
type SubmissionFilter struct {
	UserID int64
	Status SubmissionStatus
	Limit  int64
}
