package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrInsufficientBalance is returned when a debit would push a balance below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// UserPatch lists the admin-editable user flags. Nil fields are left unchanged.
type UserPatch struct {
	IsAdmin         *bool `json:"is_admin,omitempty"`
	ChannelVerified *bool `json:"channel_verified,omitempty"`
}

func (p UserPatch) empty() bool {
	return p.IsAdmin == nil && p.ChannelVerified == nil
}

// UserRepository persists and retrieves users in MongoDB.
type UserRepository struct {
	collection mutableCollection
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(collection mutableCollection) *UserRepository {
	return &UserRepository{collection: collection}
}

func (r *UserRepository) check(ctx context.Context, userID int64) error {
	if err := checkCall(ctx, r != nil && r.collection != nil, "user"); err != nil {
		return err
	}
	if userID == 0 {
		return errors.New("telegram_id is required")
	}
	return nil
}

// Create inserts a user with populated timestamps and a zero balance.
func (r *UserRepository) Create(ctx context.Context, user User) (User, error) {
	if err := r.check(ctx, user.TelegramID); err != nil {
		return User{}, err
	}

	ts := now()
	if user.LastSeenAt.IsZero() {
		user.LastSeenAt = ts
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = ts
	}
	user.UpdatedAt = ts

	if _, err := r.collection.InsertOne(ctx, user); err != nil {
		return User{}, insertErr("user", err)
	}

	return user, nil
}

// GetByID fetches a user by Telegram id.
func (r *UserRepository) GetByID(ctx context.Context, userID int64) (User, error) {
	if err := r.check(ctx, userID); err != nil {
		return User{}, err
	}

	var user User
	if err := decodeOne(r.collection.FindOne(ctx, bson.M{"telegram_id": userID}), "user", &user); err != nil {
		return User{}, err
	}

	return user, nil
}

// List returns users newest first.
func (r *UserRepository) List(ctx context.Context, limit, offset int64) ([]User, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "user"); err != nil {
		return nil, err
	}

	users := []User{}
	cursor, err := r.collection.Find(ctx, bson.M{}, newestFirst(limit, offset))
	if err := decodeAll(ctx, cursor, err, "users", &users); err != nil {
		return nil, err
	}

	return users, nil
}

// ListAdmins returns every user flagged as admin.
func (r *UserRepository) ListAdmins(ctx context.Context) ([]User, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "user"); err != nil {
		return nil, err
	}

	admins := []User{}
	cursor, err := r.collection.Find(ctx, bson.M{"is_admin": true})
	if err := decodeAll(ctx, cursor, err, "admins", &admins); err != nil {
		return nil, err
	}

	return admins, nil
}

// Update applies admin flag changes and returns the updated user.
func (r *UserRepository) Update(ctx context.Context, userID int64, patch UserPatch) (User, error) {
	if err := r.check(ctx, userID); err != nil {
		return User{}, err
	}
	if patch.empty() {
		return r.GetByID(ctx, userID)
	}

	set := bson.M{"updated_at": now()}
	if patch.IsAdmin != nil {
		set["is_admin"] = *patch.IsAdmin
	}
	if patch.ChannelVerified != nil {
		set["channel_verified"] = *patch.ChannelVerified
	}

	var user User
	result := r.collection.FindOneAndUpdate(ctx, bson.M{"telegram_id": userID}, bson.M{"$set": set}, returnAfter())
	if err := decodeOne(result, "user", &user); err != nil {
		return User{}, err
	}

	return user, nil
}

// SetChannelVerified persists the required-channel membership flag.
func (r *UserRepository) SetChannelVerified(ctx context.Context, userID int64, verified bool) (User, error) {
	return r.Update(ctx, userID, UserPatch{ChannelVerified: &verified})
}

// SetAdmin grants or revokes the admin flag.
func (r *UserRepository) SetAdmin(ctx context.Context, userID int64, admin bool) (User, error) {
	return r.Update(ctx, userID, UserPatch{IsAdmin: &admin})
}

// AddBalance atomically adds delta to the balance. A negative delta only
// applies when the balance covers it.
func (r *UserRepository) AddBalance(ctx context.Context, userID int64, delta decimal.Decimal) (User, error) {
	if err := r.check(ctx, userID); err != nil {
		return User{}, err
	}

	filter := bson.M{"telegram_id": userID}
	if delta.IsNegative() {
		filter["balance"] = bson.M{"$gte": delta.Neg()}
	}
	update := bson.M{
		"$inc": bson.M{"balance": delta},
		"$set": bson.M{"updated_at": now()},
	}

	var user User
	err := decodeOne(r.collection.FindOneAndUpdate(ctx, filter, update, returnAfter()), "user", &user)
	if errors.Is(err, ErrNotFound) && delta.IsNegative() {
		if _, getErr := r.GetByID(ctx, userID); getErr != nil {
			return User{}, getErr
		}
		return User{}, ErrInsufficientBalance
	}
	if err != nil {
		return User{}, err
	}

	return user, nil
}

// CreditOnce adds amount to the balance unless key was already credited.
// The check and the increment happen in one conditional update, so
// concurrent or replayed calls credit at most once. It reports whether this
// call applied the credit.
func (r *UserRepository) CreditOnce(ctx context.Context, userID int64, key string, amount decimal.Decimal) (bool, error) {
	if err := r.check(ctx, userID); err != nil {
		return false, err
	}
	if key == "" {
		return false, errors.New("credit key is required")
	}
	if !amount.IsPositive() {
		return false, errors.New("credit amount must be positive")
	}

	filter := bson.M{
		"telegram_id":          userID,
		"credited_submissions": bson.M{"$ne": key},
	}
	update := bson.M{
		"$inc":      bson.M{"balance": amount},
		"$addToSet": bson.M{"credited_submissions": key},
		"$set":      bson.M{"updated_at": now()},
	}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("credit user: %w", err)
	}
	if res != nil && res.ModifiedCount > 0 {
		return true, nil
	}

	if _, err := r.GetByID(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

// DrainBalance atomically zeroes a positive balance and returns the amount
// that was drained. A zero balance drains nothing.
func (r *UserRepository) DrainBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if err := r.check(ctx, userID); err != nil {
		return decimal.Zero, err
	}

	filter := bson.M{
		"telegram_id": userID,
		"balance":     bson.M{"$gt": decimal.Zero},
	}
	update := bson.M{"$set": bson.M{"balance": decimal.Zero, "updated_at": now()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before User
	err := decodeOne(r.collection.FindOneAndUpdate(ctx, filter, update, opts), "user", &before)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, userID); getErr != nil {
			return decimal.Zero, getErr
		}
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	return before.Balance, nil
}
