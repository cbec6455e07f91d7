package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User represents a Telegram user known to the bot. TelegramID is the
// identity anchor and is unique.
type User struct {
	TelegramID      int64           `bson:"telegram_id" json:"telegram_id"`
	Username        string          `bson:"username,omitempty" json:"username,omitempty"`
	FirstName       string          `bson:"first_name,omitempty" json:"first_name,omitempty"`
	LastName        string          `bson:"last_name,omitempty" json:"last_name,omitempty"`
	PhotoURL        string          `bson:"photo_url,omitempty" json:"photo_url,omitempty"`
	Balance         decimal.Decimal `bson:"balance" json:"balance"`
	IsAdmin         bool            `bson:"is_admin" json:"is_admin"`
	ChannelVerified bool            `bson:"channel_verified" json:"channel_verified"`
	// CreditedSubmissions holds the keys already paid into Balance: submission
	// ids and withdrawal refund keys. It is the idempotency key set for
	// CreditOnce.
	CreditedSubmissions []string  `bson:"credited_submissions,omitempty" json:"-"`
	CreatedAt           time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time `bson:"updated_at" json:"updated_at"`
	LastSeenAt          time.Time `bson:"last_seen_at" json:"last_seen_at"`
}

// DisplayName returns the best human label for the user.
func (u User) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return fmt.Sprintf("%d", u.TelegramID)
}

// HasCredit reports whether the credit key was already applied to the user.
func (u User) HasCredit(key string) bool {
	for _, id := range u.CreditedSubmissions {
		if id == key {
			return true
		}
	}
	return false
}
