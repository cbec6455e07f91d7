package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when a lookup matches no document.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique index.
var ErrDuplicate = errors.New("already exists")

type insertFindCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

type mutableCollection interface {
	insertFindCollection
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func checkCall(ctx context.Context, initialized bool, name string) error {
	if !initialized {
		return fmt.Errorf("%s repository is not initialized", name)
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func decodeOne(result *mongo.SingleResult, what string, out interface{}) error {
	if result == nil {
		return fmt.Errorf("find %s returned no result", what)
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("find %s: %w", what, ErrNotFound)
		}
		return fmt.Errorf("find %s: %w", what, err)
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func decodeAll(ctx context.Context, cursor *mongo.Cursor, err error, what string, out interface{}) error {
	if err != nil {
		return fmt.Errorf("find %s: %w", what, err)
	}
	if cursor == nil {
		return fmt.Errorf("find %s returned no cursor", what)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func insertErr(what string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert %s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

func newestFirst(limit, offset int64) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	if offset > 0 {
		opts.SetSkip(offset)
	}
	return opts
}

func returnAfter() *options.FindOneAndUpdateOptions {
	return options.FindOneAndUpdate().SetReturnDocument(options.After)
}
