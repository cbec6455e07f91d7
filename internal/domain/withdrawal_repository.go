package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// WithdrawalRepository stores payout requests.
type WithdrawalRepository struct {
	collection mutableCollection
}

// NewWithdrawalRepository constructs a WithdrawalRepository.
func NewWithdrawalRepository(collection mutableCollection) *WithdrawalRepository {
	return &WithdrawalRepository{collection: collection}
}

func (r *WithdrawalRepository) ready(ctx context.Context) error {
	return checkCall(ctx, r != nil && r.collection != nil, "withdrawal")
}

// Create inserts a pending withdrawal.
func (r *WithdrawalRepository) Create(ctx context.Context, w Withdrawal) (Withdrawal, error) {
	if err := r.ready(ctx); err != nil {
		return Withdrawal{}, err
	}
	if w.UserID == 0 {
		return Withdrawal{}, errors.New("user_id is required")
	}
	if !w.Amount.IsPositive() {
		return Withdrawal{}, errors.New("withdrawal amount must be positive")
	}

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Status = WithdrawalPending
	w.CreatedAt = now()

	if _, err := r.collection.InsertOne(ctx, w); err != nil {
		return Withdrawal{}, insertErr("withdrawal", err)
	}

	return w, nil
}

// Get fetches a withdrawal.
func (r *WithdrawalRepository) Get(ctx context.Context, id string) (Withdrawal, error) {
	if err := r.ready(ctx); err != nil {
		return Withdrawal{}, err
	}

	var w Withdrawal
	if err := decodeOne(r.collection.FindOne(ctx, bson.M{"_id": id}), "withdrawal", &w); err != nil {
		return Withdrawal{}, err
	}

	return w, nil
}

// List returns withdrawals newest first, optionally narrowed to one status.
func (r *WithdrawalRepository) List(ctx context.Context, status WithdrawalStatus) ([]Withdrawal, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	return r.find(ctx, filter)
}

// ListByUser returns a user's withdrawals newest first.
func (r *WithdrawalRepository) ListByUser(ctx context.Context, userID int64) ([]Withdrawal, error) {
	return r.find(ctx, bson.M{"user_id": userID})
}

func (r *WithdrawalRepository) find(ctx context.Context, filter bson.M) ([]Withdrawal, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	list := []Withdrawal{}
	cursor, err := r.collection.Find(ctx, filter, newestFirst(0, 0))
	if err := decodeAll(ctx, cursor, err, "withdrawals", &list); err != nil {
		return nil, err
	}

	return list, nil
}

// Resolve moves a pending withdrawal to status to. It reports whether this
// call resolved it; an already processed withdrawal is returned unchanged.
func (r *WithdrawalRepository) Resolve(ctx context.Context, id string, to WithdrawalStatus, note string) (Withdrawal, bool, error) {
	if err := r.ready(ctx); err != nil {
		return Withdrawal{}, false, err
	}
	if id == "" {
		return Withdrawal{}, false, errors.New("withdrawal id is required")
	}
	if to != WithdrawalApproved && to != WithdrawalRejected {
		return Withdrawal{}, false, fmt.Errorf("cannot resolve withdrawal to %q", to)
	}

	filter := bson.M{"_id": id, "status": WithdrawalPending}
	update := bson.M{"$set": bson.M{
		"status":       to,
		"admin_note":   note,
		"processed_at": now(),
	}}

	var w Withdrawal
	err := decodeOne(r.collection.FindOneAndUpdate(ctx, filter, update, returnAfter()), "withdrawal", &w)
	if errors.Is(err, ErrNotFound) {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return Withdrawal{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Withdrawal{}, false, err
	}

	return w, true, nil
}
