// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken          = "TELEGRAM_TOKEN"
	KeyBotOwner               = "BOT_OWNER"
	KeyMongoURI               = "MONGO_URI"
	KeyMongoDB                = "MONGO_DB"
	KeySessionSecret          = "SESSION_SECRET"
	KeyAdminAPIToken          = "ADMIN_API_TOKEN"
	KeyAppEnv                 = "APP_ENV"
	KeyLogLevel               = "LOG_LEVEL"
	KeyHTTPPort               = "HTTP_PORT"
	KeyAPIPort                = "API_PORT"
	KeyRequiredChannel        = "REQUIRED_CHANNEL"
	KeyMinGroupAgeDays        = "MIN_GROUP_AGE_DAYS"
	KeyMonthlyPricingFromYear = "MONTHLY_PRICING_FROM_YEAR"
	KeyUsedMessageThreshold   = "USED_MESSAGE_THRESHOLD"
	KeyUserbotAPIID           = "USERBOT_API_ID"
	KeyUserbotAPIHash         = "USERBOT_API_HASH"
	KeyRedisURL               = "REDIS_URL"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv                 = EnvProduction
	DefaultLogLevel               = "info"
	DefaultHTTPPort               = 8080
	DefaultAPIPort                = 8081
	DefaultMinGroupAgeDays        = 30
	DefaultMonthlyPricingFromYear = 2024
	DefaultUsedMessageThreshold   = 10

	// MinSessionSecretLength is the shortest accepted SESSION_SECRET.
	MinSessionSecretLength = 32

	// Recommended database names by environment.
	DefaultMongoDBProd = "group_market"
	DefaultMongoDBDev  = "group_market_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyBotOwner,
		Example:     "123456789",
		Required:    true,
		Description: "Telegram user_id bootstrapped as administrator.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Description: "MongoDB connection string.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeySessionSecret,
		Example:     strings.Repeat("x", MinSessionSecretLength),
		Required:    true,
		Description: "Secret used to encrypt stored userbot credentials.",
		Notes:       "Must be at least " + strconv.Itoa(MinSessionSecretLength) + " characters.",
	},
	{
		Key:         KeyAdminAPIToken,
		Example:     "change-me",
		Required:    true,
		Description: "Bearer token accepted by the /api admin endpoints.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health/diagnostics port.",
	},
	{
		Key:         KeyAPIPort,
		Example:     strconv.Itoa(DefaultAPIPort),
		Default:     strconv.Itoa(DefaultAPIPort),
		Description: "REST admin API port.",
	},
	{
		Key:         KeyRequiredChannel,
		Example:     "@my_channel",
		Description: "Channel users must join before submitting groups.",
	},
	{
		Key:         KeyMinGroupAgeDays,
		Example:     strconv.Itoa(DefaultMinGroupAgeDays),
		Default:     strconv.Itoa(DefaultMinGroupAgeDays),
		Description: "Default minimum group age (days) for approval.",
		Notes:       "Admins can override it at runtime through bot settings.",
	},
	{
		Key:         KeyMonthlyPricingFromYear,
		Example:     strconv.Itoa(DefaultMonthlyPricingFromYear),
		Default:     strconv.Itoa(DefaultMonthlyPricingFromYear),
		Description: "First creation year priced per month instead of per year range.",
	},
	{
		Key:         KeyUsedMessageThreshold,
		Example:     strconv.Itoa(DefaultUsedMessageThreshold),
		Default:     strconv.Itoa(DefaultUsedMessageThreshold),
		Description: "Message count at or above which a group is classified as used.",
	},
	{
		Key:         KeyUserbotAPIID,
		Example:     "123456",
		Description: "Fallback MTProto api_id for userbot sessions.",
	},
	{
		Key:         KeyUserbotAPIHash,
		Example:     "0123456789abcdef0123456789abcdef",
		Description: "Fallback MTProto api_hash for userbot sessions.",
	},
	{
		Key:         KeyRedisURL,
		Example:     "redis://localhost:6379/0",
		Description: "Optional Redis for cross-process interview locks.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken          string
	BotOwnerID             int64
	MongoURI               string
	MongoDB                string
	SessionSecret          string
	AdminAPIToken          string
	AppEnv                 string
	LogLevel               string
	HTTPPort               int
	APIPort                int
	RequiredChannel        string
	MinGroupAgeDays        int
	MonthlyPricingFromYear int
	UsedMessageThreshold   int
	UserbotAPIID           int
	UserbotAPIHash         string
	RedisURL               string
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:                 firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken:          strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		MongoURI:               strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:                strings.TrimSpace(os.Getenv(KeyMongoDB)),
		SessionSecret:          os.Getenv(KeySessionSecret),
		AdminAPIToken:          strings.TrimSpace(os.Getenv(KeyAdminAPIToken)),
		LogLevel:               firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		RequiredChannel:        strings.TrimSpace(os.Getenv(KeyRequiredChannel)),
		UserbotAPIHash:         strings.TrimSpace(os.Getenv(KeyUserbotAPIHash)),
		RedisURL:               strings.TrimSpace(os.Getenv(KeyRedisURL)),
		HTTPPort:               DefaultHTTPPort,
		APIPort:                DefaultAPIPort,
		MinGroupAgeDays:        DefaultMinGroupAgeDays,
		MonthlyPricingFromYear: DefaultMonthlyPricingFromYear,
		UsedMessageThreshold:   DefaultUsedMessageThreshold,
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	ownerRaw := strings.TrimSpace(os.Getenv(KeyBotOwner))
	if ownerRaw == "" {
		missing = append(missing, KeyBotOwner)
	} else {
		ownerID, parseErr := strconv.ParseInt(ownerRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBotOwner, parseErr)
		}
		cfg.BotOwnerID = ownerID
	}

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	if cfg.SessionSecret == "" {
		missing = append(missing, KeySessionSecret)
	}

	if cfg.AdminAPIToken == "" {
		missing = append(missing, KeyAdminAPIToken)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if err := validateMongoURI(cfg.MongoURI); err != nil {
		return Config{}, err
	}

	if len(cfg.SessionSecret) < MinSessionSecretLength {
		return Config{}, fmt.Errorf("%s must be at least %d characters", KeySessionSecret, MinSessionSecretLength)
	}

	ports := []struct {
		key    string
		target *int
	}{
		{KeyHTTPPort, &cfg.HTTPPort},
		{KeyAPIPort, &cfg.APIPort},
	}
	for _, p := range ports {
		if err := positiveInt(p.key, p.target); err != nil {
			return Config{}, err
		}
	}

	if err := positiveInt(KeyMinGroupAgeDays, &cfg.MinGroupAgeDays); err != nil {
		return Config{}, err
	}
	if err := positiveInt(KeyMonthlyPricingFromYear, &cfg.MonthlyPricingFromYear); err != nil {
		return Config{}, err
	}
	if err := positiveInt(KeyUsedMessageThreshold, &cfg.UsedMessageThreshold); err != nil {
		return Config{}, err
	}

	apiIDRaw := strings.TrimSpace(os.Getenv(KeyUserbotAPIID))
	if apiIDRaw != "" {
		apiID, parseErr := strconv.Atoi(apiIDRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyUserbotAPIID, parseErr)
		}
		cfg.UserbotAPIID = apiID
	}
	if (cfg.UserbotAPIID == 0) != (cfg.UserbotAPIHash == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", KeyUserbotAPIID, KeyUserbotAPIHash)
	}

	if err := validateRequiredChannel(cfg.RequiredChannel); err != nil {
		return Config{}, err
	}
	if err := validateRedisURL(cfg.RedisURL); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// FormatRedacted renders the configuration for diagnostics with secrets masked.
func FormatRedacted(cfg Config) string {
	var sb strings.Builder

	write := func(key string, value interface{}) {
		sb.WriteString(fmt.Sprintf("%s: %v\n", key, value))
	}

	write("app_env", cfg.AppEnv)
	write("log_level", cfg.LogLevel)
	write("telegram_token", maskSecret(cfg.TelegramToken))
	write("bot_owner", cfg.BotOwnerID)
	write("mongo_uri", redactURI(cfg.MongoURI))
	write("mongo_db", cfg.MongoDB)
	write("session_secret", maskSecret(cfg.SessionSecret))
	write("admin_api_token", maskSecret(cfg.AdminAPIToken))
	write("http_port", cfg.HTTPPort)
	write("api_port", cfg.APIPort)
	write("required_channel", cfg.RequiredChannel)
	write("min_group_age_days", cfg.MinGroupAgeDays)
	write("monthly_pricing_from_year", cfg.MonthlyPricingFromYear)
	write("used_message_threshold", cfg.UsedMessageThreshold)
	write("userbot_api_id", cfg.UserbotAPIID)
	write("userbot_api_hash", maskSecret(cfg.UserbotAPIHash))
	write("redis_url", redactURI(cfg.RedisURL))

	return strings.TrimRight(sb.String(), "\n")
}

func maskSecret(value string) string {
	if value == "" {
		return "<unset>"
	}
	if len(value) <= 4 {
		return "...redacted"
	}
	return value[:4] + "...redacted"
}

func redactURI(raw string) string {
	if raw == "" {
		return "<unset>"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	parsed.User = nil
	return parsed.String()
}

func validateMongoURI(raw string) error {
	if strings.HasPrefix(raw, "mongodb://") || strings.HasPrefix(raw, "mongodb+srv://") {
		return nil
	}
	return fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
}

// channelPattern matches a public channel username with or without the @.
var channelPattern = regexp.MustCompile(`^@?[A-Za-z][A-Za-z0-9_]{3,31}$`)

func validateRequiredChannel(raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return nil
	}
	if !channelPattern.MatchString(raw) {
		return fmt.Errorf("invalid %s: expected @username or numeric chat id", KeyRequiredChannel)
	}
	return nil
}

func validateRedisURL(raw string) error {
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", KeyRedisURL, err)
	}
	if parsed.Scheme != "redis" && parsed.Scheme != "rediss" {
		return fmt.Errorf("invalid %s: must start with redis:// or rediss://", KeyRedisURL)
	}
	return nil
}

func positiveInt(key string, target *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return fmt.Errorf("%s must be greater than 0", key)
	}
	*target = value
	return nil
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
