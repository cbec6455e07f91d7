package domain

import "time"

// Activity kinds written as audit records. Each one doubles as the log event name.
const (
	ActionUserRegistered       = "user_registered"
	ActionGroupSubmitted       = "group_submitted"
	ActionGroupJoined          = "group_joined"
	ActionGroupJoinFailed      = "group_join_failed"
	ActionGroupApproved        = "group_approved"
	ActionGroupRejected        = "group_rejected"
	ActionOwnershipTransferred = "ownership_transferred"
	ActionPaymentAdded         = "payment_added"
	ActionSubmissionDeleted    = "submission_deleted"
	ActionWithdrawalRequested  = "withdrawal_requested"
	ActionWithdrawalApproved   = "withdrawal_approved"
	ActionWithdrawalRejected   = "withdrawal_rejected"
	ActionBalanceAdjusted      = "balance_adjusted"
	ActionSessionConnected     = "session_connected"
)

// ActivityLog is an append-only audit record.
type ActivityLog struct {
	ID           string    `bson:"_id" json:"id"`
	UserID       int64     `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Action       string    `bson:"action" json:"action"`
	Description  string    `bson:"description" json:"description"`
	SubmissionID string    `bson:"submission_id,omitempty" json:"submission_id,omitempty"`
	WithdrawalID string    `bson:"withdrawal_id,omitempty" json:"withdrawal_id,omitempty"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

// Notification is a user-facing event record; Read is its only mutable field.
type Notification struct {
	ID           string    `bson:"_id" json:"id"`
	UserID       int64     `bson:"user_id" json:"user_id"`
	Type         string    `bson:"type" json:"type"`
	Message      string    `bson:"message" json:"message"`
	SubmissionID string    `bson:"submission_id,omitempty" json:"submission_id,omitempty"`
	Read         bool      `bson:"read" json:"read"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}
