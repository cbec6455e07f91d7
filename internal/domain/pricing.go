package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PricingRule prices groups created in a year range, optionally narrowed to a
// single month, for one category. EndYear is inclusive; nil leaves the range
// open-ended. Month nil applies the rule to the whole span.
type PricingRule struct {
	ID            string          `bson:"_id" json:"id"`
	StartYear     int             `bson:"start_year" json:"start_year"`
	EndYear       *int            `bson:"end_year,omitempty" json:"end_year,omitempty"`
	Month         *int            `bson:"month,omitempty" json:"month,omitempty"`
	Category      Category        `bson:"category" json:"category"`
	PricePerGroup decimal.Decimal `bson:"price_per_group" json:"price_per_group"`
	IsActive      bool            `bson:"is_active" json:"is_active"`
	CreatedAt     time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `bson:"updated_at" json:"updated_at"`
}

// Covers reports whether the rule's year span includes year.
func (r PricingRule) Covers(year int) bool {
	if r.StartYear > year {
		return false
	}
	return r.EndYear == nil || *r.EndYear >= year
}

// Validate checks the invariants an admin-edited rule must hold.
func (r PricingRule) Validate() error {
	if r.StartYear <= 0 {
		return errors.New("start_year is required")
	}
	if r.EndYear != nil && *r.EndYear < r.StartYear {
		return fmt.Errorf("end_year %d is before start_year %d", *r.EndYear, r.StartYear)
	}
	if r.Month != nil && (*r.Month < 1 || *r.Month > 12) {
		return fmt.Errorf("month %d is outside 1..12", *r.Month)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("unknown category %q", r.Category)
	}
	if !r.PricePerGroup.IsPositive() {
		return errors.New("price_per_group must be positive")
	}
	return nil
}

// AgePricingRule is the flat age-range price table kept from the first
// pricing model. MaxAgeDays nil leaves the range open-ended.
type AgePricingRule struct {
	ID            string          `bson:"_id" json:"id"`
	MinAgeDays    int             `bson:"min_age_days" json:"min_age_days"`
	MaxAgeDays    *int            `bson:"max_age_days,omitempty" json:"max_age_days,omitempty"`
	PricePerGroup decimal.Decimal `bson:"price_per_group" json:"price_per_group"`
	IsActive      bool            `bson:"is_active" json:"is_active"`
	CreatedAt     time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `bson:"updated_at" json:"updated_at"`
}

// Covers reports whether ageDays falls inside the rule.
func (r AgePricingRule) Covers(ageDays int) bool {
	if ageDays < r.MinAgeDays {
		return false
	}
	return r.MaxAgeDays == nil || *r.MaxAgeDays >= ageDays
}

// Validate checks the invariants of an age rule.
func (r AgePricingRule) Validate() error {
	if r.MinAgeDays < 0 {
		return errors.New("min_age_days must not be negative")
	}
	if r.MaxAgeDays != nil && *r.MaxAgeDays < r.MinAgeDays {
		return fmt.Errorf("max_age_days %d is below min_age_days %d", *r.MaxAgeDays, r.MinAgeDays)
	}
	if !r.PricePerGroup.IsPositive() {
		return errors.New("price_per_group must be positive")
	}
	return nil
}
