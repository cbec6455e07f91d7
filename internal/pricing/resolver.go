// Package pricing resolves the price paid for a group from its inferred
// creation year, month and category.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/logging"
)

// DefaultMonthlyFromYear is the first year priced per month.
const DefaultMonthlyFromYear = 2024

// ErrInvalidQuery marks malformed year, month or category input.
var ErrInvalidQuery = errors.New("invalid pricing query")

// Rule sources as reported in a Quote.
const (
	SourceMonthly = "monthly"
	SourceRange   = "range"
	SourceAge     = "age"
)

// RuleSource lists active year/month rules of a category.
type RuleSource interface {
	ActiveRules(ctx context.Context, category domain.Category) ([]domain.PricingRule, error)
}

// AgeRuleSource lists active flat age rules.
type AgeRuleSource interface {
	ActiveRules(ctx context.Context) ([]domain.AgePricingRule, error)
}

// SettingsSource exposes the runtime settings.
type SettingsSource interface {
	Get(ctx context.Context) (domain.BotSettings, error)
}

// Query is a validated pricing lookup. AgeDays is only consulted by the flat
// age fallback.
type Query struct {
	Year     *int
	Month    *int
	Category domain.Category
	AgeDays  *int
}

// Quote is the priced outcome of a query. Configured is false when no rule
// matched; Price is then zero and must not be paid.
type Quote struct {
	RuleID      string           `json:"rule_id,omitempty"`
	Source      string           `json:"source,omitempty"`
	Price       decimal.Decimal  `json:"price"`
	Configured  bool             `json:"configured"`
	Advisory    bool             `json:"advisory"`
	UnusedPrice *decimal.Decimal `json:"unused_price,omitempty"`
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithAgeFallback enables the flat age table as a last resort when the
// settings allow it.
func WithAgeFallback(ageRules AgeRuleSource, settings SettingsSource) Option {
	return func(r *Resolver) {
		r.ageRules = ageRules
		r.settings = settings
	}
}

// Resolver implements the pricing precedence. It never writes.
type Resolver struct {
	rules           RuleSource
	ageRules        AgeRuleSource
	settings        SettingsSource
	monthlyFromYear int
	logger          *logrus.Entry
}

// NewResolver constructs a Resolver. A non-positive monthlyFromYear falls back
// to DefaultMonthlyFromYear.
func NewResolver(rules RuleSource, monthlyFromYear int, logger *logrus.Entry, opts ...Option) *Resolver {
	if logger == nil {
		logger = logging.Logger()
	}
	if monthlyFromYear <= 0 {
		monthlyFromYear = DefaultMonthlyFromYear
	}

	r := &Resolver{
		rules:           rules,
		monthlyFromYear: monthlyFromYear,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve returns the rule that prices (year, month, category), or nil when
// nothing is configured. Monthly rules win from the monthly cutoff year on;
// otherwise the whole-year rule whose span covers year applies.
func (r *Resolver) Resolve(ctx context.Context, year, month *int, category domain.Category) (*domain.PricingRule, error) {
	if r == nil || r.rules == nil {
		return nil, errors.New("pricing resolver is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if year == nil {
		return nil, nil
	}

	rules, err := r.rules.ActiveRules(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("load pricing rules: %w", err)
	}

	return pick(rules, *year, month, category, r.monthlyFromYear), nil
}

func pick(rules []domain.PricingRule, year int, month *int, category domain.Category, monthlyFromYear int) *domain.PricingRule {
	if month != nil && year >= monthlyFromYear {
		if best := bestOf(rules, func(rule domain.PricingRule) bool {
			return rule.Month != nil && *rule.Month == *month && rule.StartYear == year
		}, category); best != nil {
			return best
		}
	}

	return bestOf(rules, func(rule domain.PricingRule) bool {
		return rule.Month == nil && rule.Covers(year)
	}, category)
}

func bestOf(rules []domain.PricingRule, match func(domain.PricingRule) bool, category domain.Category) *domain.PricingRule {
	var best *domain.PricingRule
	for i := range rules {
		rule := rules[i]
		if !rule.IsActive || rule.Category != category || !match(rule) {
			continue
		}
		if best == nil || narrower(rule, *best) {
			best = &rule
		}
	}
	return best
}

// narrower orders overlapping matches: the latest start wins, then the
// earliest bounded end, then the most recent edit, then the smaller id.
func narrower(a, b domain.PricingRule) bool {
	if a.StartYear != b.StartYear {
		return a.StartYear > b.StartYear
	}
	switch {
	case a.EndYear != nil && b.EndYear == nil:
		return true
	case a.EndYear == nil && b.EndYear != nil:
		return false
	case a.EndYear != nil && b.EndYear != nil && *a.EndYear != *b.EndYear:
		return *a.EndYear < *b.EndYear
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// Quote prices a query and computes the used-versus-unused advisory.
func (r *Resolver) Quote(ctx context.Context, q Query) (Quote, error) {
	rule, err := r.Resolve(ctx, q.Year, q.Month, q.Category)
	if err != nil {
		return Quote{}, err
	}

	var quote Quote
	switch {
	case rule != nil:
		quote = Quote{RuleID: rule.ID, Price: rule.PricePerGroup, Configured: true, Source: SourceRange}
		if rule.Month != nil {
			quote.Source = SourceMonthly
		}
	default:
		quote, err = r.ageFallback(ctx, q.AgeDays)
		if err != nil {
			return Quote{}, err
		}
	}

	if q.Category == domain.CategoryUsed && quote.Configured && quote.Source != SourceAge {
		unused, err := r.Resolve(ctx, q.Year, q.Month, domain.CategoryUnused)
		if err != nil {
			return Quote{}, err
		}
		if unused != nil {
			price := unused.PricePerGroup
			quote.UnusedPrice = &price
			quote.Advisory = quote.Price.LessThan(price)
		}
	}

	entry := r.logger.WithFields(logging.Fields{
		"event":      "price_resolved",
		"category":   q.Category,
		"configured": quote.Configured,
	})
	if q.Year != nil {
		entry = entry.WithField("year", *q.Year)
	}
	if q.Month != nil {
		entry = entry.WithField("month", *q.Month)
	}
	if quote.Configured {
		entry = entry.WithFields(logging.Fields{"price": quote.Price.String(), "source": quote.Source})
	}
	entry.Debug("pricing query resolved")

	return quote, nil
}

// QuoteSubmission prices a joined submission from its derived fields.
func (r *Resolver) QuoteSubmission(ctx context.Context, sub domain.Submission) (Quote, error) {
	age := sub.GroupAge
	return r.Quote(ctx, Query{
		Year:     sub.GroupYear,
		Month:    sub.GroupMonth,
		Category: sub.GroupType,
		AgeDays:  &age,
	})
}

func (r *Resolver) ageFallback(ctx context.Context, ageDays *int) (Quote, error) {
	if r.ageRules == nil || r.settings == nil || ageDays == nil {
		return Quote{}, nil
	}

	settings, err := r.settings.Get(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.AgePricingFallback {
		return Quote{}, nil
	}

	rules, err := r.ageRules.ActiveRules(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("load age pricing rules: %w", err)
	}

	var best *domain.AgePricingRule
	for i := range rules {
		rule := rules[i]
		if !rule.IsActive || !rule.Covers(*ageDays) {
			continue
		}
		if best == nil || rule.MinAgeDays > best.MinAgeDays {
			best = &rule
		}
	}
	if best == nil {
		return Quote{}, nil
	}

	return Quote{RuleID: best.ID, Price: best.PricePerGroup, Configured: true, Source: SourceAge}, nil
}

// ValidateQuery rejects malformed year and month input before resolution.
func ValidateQuery(year, month *int) error {
	if year != nil && (*year < 1970 || *year > 9999) {
		return fmt.Errorf("%w: year %d out of range", ErrInvalidQuery, *year)
	}
	if month != nil {
		if *month < 1 || *month > 12 {
			return fmt.Errorf("%w: month %d outside 1..12", ErrInvalidQuery, *month)
		}
		if year == nil {
			return fmt.Errorf("%w: month requires a year", ErrInvalidQuery)
		}
	}
	return nil
}

// ParseQuery builds a validated Query from raw request values. Empty year and
// month mean absent.
func ParseQuery(yearRaw, monthRaw, categoryRaw string) (Query, error) {
	var q Query

	category := domain.Category(strings.ToLower(strings.TrimSpace(categoryRaw)))
	if !category.Valid() {
		return Query{}, fmt.Errorf("%w: unknown category %q", ErrInvalidQuery, categoryRaw)
	}
	q.Category = category

	var err error
	if q.Year, err = optionalInt(yearRaw, "year"); err != nil {
		return Query{}, err
	}
	if q.Month, err = optionalInt(monthRaw, "month"); err != nil {
		return Query{}, err
	}

	if err := ValidateQuery(q.Year, q.Month); err != nil {
		return Query{}, err
	}

	return q, nil
}

func optionalInt(raw, name string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", ErrInvalidQuery, name)
	}
	return &v, nil
}
