package domain

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ValidIdentity reports whether identity names a known userbot slot.
func ValidIdentity(identity string) bool {
	return identity == IdentityPrimary || identity == IdentitySecondary
}

// SessionRepository stores encrypted userbot sessions keyed by identity.
type SessionRepository struct {
	collection mutableCollection
}

// NewSessionRepository constructs a SessionRepository.
func NewSessionRepository(collection mutableCollection) *SessionRepository {
	return &SessionRepository{collection: collection}
}

func (r *SessionRepository) check(ctx context.Context, identity string) error {
	if err := checkCall(ctx, r != nil && r.collection != nil, "session"); err != nil {
		return err
	}
	if !ValidIdentity(identity) {
		return fmt.Errorf("unknown session identity %q", identity)
	}
	return nil
}

// Get fetches the session stored for identity.
func (r *SessionRepository) Get(ctx context.Context, identity string) (UserbotSession, error) {
	if err := r.check(ctx, identity); err != nil {
		return UserbotSession{}, err
	}

	var s UserbotSession
	if err := decodeOne(r.collection.FindOne(ctx, bson.M{"identity": identity}), "session", &s); err != nil {
		return UserbotSession{}, err
	}

	return s, nil
}

// Upsert writes the already-encrypted session fields for s.Identity.
func (r *SessionRepository) Upsert(ctx context.Context, s UserbotSession) (UserbotSession, error) {
	if err := r.check(ctx, s.Identity); err != nil {
		return UserbotSession{}, err
	}
	if s.SessionString == "" {
		return UserbotSession{}, errors.New("session_string is required")
	}

	ts := now()
	update := bson.M{
		"$set": bson.M{
			"api_id":         s.APIID,
			"api_hash":       s.APIHash,
			"phone_number":   s.PhoneNumber,
			"session_string": s.SessionString,
			"is_active":      s.IsActive,
			"updated_at":     ts,
		},
		"$setOnInsert": bson.M{"created_at": ts},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored UserbotSession
	if err := decodeOne(r.collection.FindOneAndUpdate(ctx, bson.M{"identity": s.Identity}, update, opts), "session", &stored); err != nil {
		return UserbotSession{}, err
	}

	return stored, nil
}

// SetActive toggles whether the session may be used.
func (r *SessionRepository) SetActive(ctx context.Context, identity string, active bool) error {
	return r.set(ctx, identity, bson.M{"is_active": active})
}

// Touch records that the session was just used.
func (r *SessionRepository) Touch(ctx context.Context, identity string) error {
	return r.set(ctx, identity, bson.M{"last_used": now()})
}

// StoreSessionString replaces the encrypted MTProto session blob.
func (r *SessionRepository) StoreSessionString(ctx context.Context, identity, encrypted string) error {
	return r.set(ctx, identity, bson.M{"session_string": encrypted})
}

func (r *SessionRepository) set(ctx context.Context, identity string, fields bson.M) error {
	if err := r.check(ctx, identity); err != nil {
		return err
	}

	fields["updated_at"] = now()
	res, err := r.collection.UpdateOne(ctx, bson.M{"identity": identity}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if res == nil || res.MatchedCount == 0 {
		return fmt.Errorf("update session: %w", ErrNotFound)
	}

	return nil
}

// List returns every stored session.
func (r *SessionRepository) List(ctx context.Context) ([]UserbotSession, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "session"); err != nil {
		return nil, err
	}

	sessions := []UserbotSession{}
	opts := options.Find().SetSort(bson.D{{Key: "identity", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err := decodeAll(ctx, cursor, err, "sessions", &sessions); err != nil {
		return nil, err
	}

	return sessions, nil
}

// Delete removes the session for identity.
func (r *SessionRepository) Delete(ctx context.Context, identity string) error {
	if err := r.check(ctx, identity); err != nil {
		return err
	}

	res, err := r.collection.DeleteOne(ctx, bson.M{"identity": identity})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if res == nil || res.DeletedCount == 0 {
		return fmt.Errorf("delete session: %w", ErrNotFound)
	}

	return nil
}
