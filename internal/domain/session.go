package domain

import "time"

// Well-known userbot session identities.
const (
	IdentityPrimary   = "admin_session"
	IdentitySecondary = "admin_session_2"
)

// UserbotSession stores the credentials of a userbot account. Every
// credential field holds ciphertext; plaintext never reaches the database.
type UserbotSession struct {
	Identity      string     `bson:"identity" json:"identity"`
	APIID         string     `bson:"api_id" json:"-"`
	APIHash       string     `bson:"api_hash" json:"-"`
	PhoneNumber   string     `bson:"phone_number" json:"-"`
	SessionString string     `bson:"session_string" json:"-"`
	IsActive      bool       `bson:"is_active" json:"is_active"`
	LastUsed      *time.Time `bson:"last_used,omitempty" json:"last_used,omitempty"`
	CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at" json:"updated_at"`
}
