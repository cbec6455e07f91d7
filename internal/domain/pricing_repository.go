package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PricingRepository stores year/month pricing rules.
type PricingRepository struct {
	collection mutableCollection
}

// NewPricingRepository constructs a PricingRepository.
func NewPricingRepository(collection mutableCollection) *PricingRepository {
	return &PricingRepository{collection: collection}
}

func (r *PricingRepository) ready(ctx context.Context) error {
	return checkCall(ctx, r != nil && r.collection != nil, "pricing")
}

// ActiveRules returns every active rule of a category.
func (r *PricingRepository) ActiveRules(ctx context.Context, category Category) ([]PricingRule, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	rules := []PricingRule{}
	cursor, err := r.collection.Find(ctx, bson.M{"category": category, "is_active": true})
	if err := decodeAll(ctx, cursor, err, "pricing rules", &rules); err != nil {
		return nil, err
	}

	return rules, nil
}

// List returns all rules ordered by start year.
func (r *PricingRepository) List(ctx context.Context) ([]PricingRule, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	rules := []PricingRule{}
	opts := options.Find().SetSort(bson.D{{Key: "start_year", Value: 1}, {Key: "month", Value: 1}, {Key: "category", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err := decodeAll(ctx, cursor, err, "pricing rules", &rules); err != nil {
		return nil, err
	}

	return rules, nil
}

// Get fetches one rule.
func (r *PricingRepository) Get(ctx context.Context, id string) (PricingRule, error) {
	if err := r.ready(ctx); err != nil {
		return PricingRule{}, err
	}

	var rule PricingRule
	if err := decodeOne(r.collection.FindOne(ctx, bson.M{"_id": id}), "pricing rule", &rule); err != nil {
		return PricingRule{}, err
	}

	return rule, nil
}

// Create validates and inserts a rule.
func (r *PricingRepository) Create(ctx context.Context, rule PricingRule) (PricingRule, error) {
	if err := r.ready(ctx); err != nil {
		return PricingRule{}, err
	}
	if err := rule.Validate(); err != nil {
		return PricingRule{}, err
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	ts := now()
	rule.CreatedAt = ts
	rule.UpdatedAt = ts

	if _, err := r.collection.InsertOne(ctx, rule); err != nil {
		return PricingRule{}, insertErr("pricing rule", err)
	}

	return rule, nil
}

// Update validates and replaces the editable fields of a rule.
func (r *PricingRepository) Update(ctx context.Context, rule PricingRule) (PricingRule, error) {
	if err := r.ready(ctx); err != nil {
		return PricingRule{}, err
	}
	if rule.ID == "" {
		return PricingRule{}, errors.New("pricing rule id is required")
	}
	if err := rule.Validate(); err != nil {
		return PricingRule{}, err
	}

	set := bson.M{
		"start_year":      rule.StartYear,
		"category":        rule.Category,
		"price_per_group": rule.PricePerGroup,
		"is_active":       rule.IsActive,
		"updated_at":      now(),
	}
	unset := bson.M{}
	if rule.EndYear != nil {
		set["end_year"] = *rule.EndYear
	} else {
		unset["end_year"] = ""
	}
	if rule.Month != nil {
		set["month"] = *rule.Month
	} else {
		unset["month"] = ""
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var updated PricingRule
	if err := decodeOne(r.collection.FindOneAndUpdate(ctx, bson.M{"_id": rule.ID}, update, returnAfter()), "pricing rule", &updated); err != nil {
		return PricingRule{}, err
	}

	return updated, nil
}

// Delete removes a rule.
func (r *PricingRepository) Delete(ctx context.Context, id string) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	return deleteByID(ctx, r.collection, id, "pricing rule")
}

// AgePricingRepository stores the flat age-range price table.
type AgePricingRepository struct {
	collection mutableCollection
}

// NewAgePricingRepository constructs an AgePricingRepository.
func NewAgePricingRepository(collection mutableCollection) *AgePricingRepository {
	return &AgePricingRepository{collection: collection}
}

// ActiveRules returns active age rules ordered by minimum age.
func (r *AgePricingRepository) ActiveRules(ctx context.Context) ([]AgePricingRule, error) {
	return r.find(ctx, bson.M{"is_active": true})
}

// List returns every age rule.
func (r *AgePricingRepository) List(ctx context.Context) ([]AgePricingRule, error) {
	return r.find(ctx, bson.M{})
}

func (r *AgePricingRepository) find(ctx context.Context, filter bson.M) ([]AgePricingRule, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "age pricing"); err != nil {
		return nil, err
	}

	rules := []AgePricingRule{}
	opts := options.Find().SetSort(bson.D{{Key: "min_age_days", Value: 1}})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err := decodeAll(ctx, cursor, err, "age pricing rules", &rules); err != nil {
		return nil, err
	}

	return rules, nil
}

// Create validates and inserts an age rule.
func (r *AgePricingRepository) Create(ctx context.Context, rule AgePricingRule) (AgePricingRule, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "age pricing"); err != nil {
		return AgePricingRule{}, err
	}
	if err := rule.Validate(); err != nil {
		return AgePricingRule{}, err
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	ts := now()
	rule.CreatedAt = ts
	rule.UpdatedAt = ts

	if _, err := r.collection.InsertOne(ctx, rule); err != nil {
		return AgePricingRule{}, insertErr("age pricing rule", err)
	}

	return rule, nil
}

// Delete removes an age rule.
func (r *AgePricingRepository) Delete(ctx context.Context, id string) error {
	if err := checkCall(ctx, r != nil && r.collection != nil, "age pricing"); err != nil {
		return err
	}
	return deleteByID(ctx, r.collection, id, "age pricing rule")
}

func deleteByID(ctx context.Context, collection mutableCollection, id, what string) error {
	if id == "" {
		return fmt.Errorf("%s id is required", what)
	}

	res, err := collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s: %w", what, err)
	}
	if res == nil || res.DeletedCount == 0 {
		return fmt.Errorf("delete %s: %w", what, ErrNotFound)
	}

	return nil
}
