package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// ActivityRepository appends audit records.
type ActivityRepository struct {
	collection insertFindCollection
}

// NewActivityRepository constructs an ActivityRepository.
func NewActivityRepository(collection insertFindCollection) *ActivityRepository {
	return &ActivityRepository{collection: collection}
}

// Append inserts an activity log.
func (r *ActivityRepository) Append(ctx context.Context, entry ActivityLog) (ActivityLog, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "activity"); err != nil {
		return ActivityLog{}, err
	}
	if entry.Action == "" {
		return ActivityLog{}, errors.New("action is required")
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}

	if _, err := r.collection.InsertOne(ctx, entry); err != nil {
		return ActivityLog{}, fmt.Errorf("insert activity log: %w", err)
	}

	return entry, nil
}

// List returns the most recent entries.
func (r *ActivityRepository) List(ctx context.Context, limit int64) ([]ActivityLog, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "activity"); err != nil {
		return nil, err
	}

	entries := []ActivityLog{}
	cursor, err := r.collection.Find(ctx, bson.M{}, newestFirst(limit, 0))
	if err := decodeAll(ctx, cursor, err, "activity logs", &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// NotificationRepository stores user notifications.
type NotificationRepository struct {
	collection mutableCollection
}

// NewNotificationRepository constructs a NotificationRepository.
func NewNotificationRepository(collection mutableCollection) *NotificationRepository {
	return &NotificationRepository{collection: collection}
}

// Append inserts an unread notification.
func (r *NotificationRepository) Append(ctx context.Context, n Notification) (Notification, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "notification"); err != nil {
		return Notification{}, err
	}
	if n.UserID == 0 {
		return Notification{}, errors.New("user_id is required")
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Read = false
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now()
	}

	if _, err := r.collection.InsertOne(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}

	return n, nil
}

// ListByUser returns a user's notifications newest first.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID int64, limit int64) ([]Notification, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "notification"); err != nil {
		return nil, err
	}

	list := []Notification{}
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, newestFirst(limit, 0))
	if err := decodeAll(ctx, cursor, err, "notifications", &list); err != nil {
		return nil, err
	}

	return list, nil
}

// MarkRead flags a notification as read.
func (r *NotificationRepository) MarkRead(ctx context.Context, id string) error {
	if err := checkCall(ctx, r != nil && r.collection != nil, "notification"); err != nil {
		return err
	}

	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if res == nil || res.MatchedCount == 0 {
		return fmt.Errorf("mark notification read: %w", ErrNotFound)
	}

	return nil
}
