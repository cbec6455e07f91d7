package domain

import "time"

// SettingsID is the fixed document id of the BotSettings singleton.
const SettingsID = "bot_settings"

// BotSettings holds the runtime-tunable business knobs edited by admins.
type BotSettings struct {
	ID                   string    `bson:"_id" json:"-"`
	MinGroupAgeDays      int       `bson:"min_group_age_days" json:"min_group_age_days" validate:"min=0"`
	RequiredChannel      string    `bson:"required_channel" json:"required_channel"`
	UsedMessageThreshold int       `bson:"used_message_threshold" json:"used_message_threshold" validate:"min=1"`
	AgePricingFallback   bool      `bson:"age_pricing_fallback" json:"age_pricing_fallback"`
	UpdatedAt            time.Time `bson:"updated_at" json:"updated_at"`
}
