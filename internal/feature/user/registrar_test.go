package user

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_group_market_bot/internal/domain"
)

type upsertRecorder struct {
	result *mongo.UpdateResult
	err    error

	filter bson.M
	update bson.M
	upsert bool
}

func (u *upsertRecorder) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	u.filter, _ = filter.(bson.M)
	u.update, _ = update.(bson.M)
	u.upsert = len(opts) == 1 && opts[0].Upsert != nil && *opts[0].Upsert
	return u.result, u.err
}

func (u *upsertRecorder) clause(t *testing.T, name string) bson.M {
	t.Helper()
	clause, ok := u.update[name].(bson.M)
	if !ok {
		t.Fatalf("expected %s clause, got %v", name, u.update)
	}
	return clause
}

type recordingActivity struct {
	entries []domain.ActivityLog
	err     error
}

func (r *recordingActivity) Append(_ context.Context, entry domain.ActivityLog) (domain.ActivityLog, error) {
	r.entries = append(r.entries, entry)
	return entry, r.err
}

func TestEnsureUserRegistersNewSeller(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	users := &upsertRecorder{result: &mongo.UpdateResult{UpsertedCount: 1}}
	activity := &recordingActivity{}
	registrar := NewRegistrar(users, activity, logrus.NewEntry(logger))

	created, err := registrar.EnsureUser(context.Background(), Profile{UserID: 123, Username: "seller", FirstName: "Ann"})
	if err != nil {
		t.Fatalf("EnsureUser returned error: %v", err)
	}
	if !created {
		t.Fatalf("expected created to be true for new user")
	}

	if users.filter["telegram_id"] != int64(123) || !users.upsert {
		t.Fatalf("expected upsert keyed by telegram_id, got filter=%v upsert=%v", users.filter, users.upsert)
	}

	set := users.clause(t, "$set")
	if set["username"] != "seller" || set["first_name"] != "Ann" {
		t.Fatalf("expected profile fields in $set, got %v", set)
	}
	seen, ok := set["last_seen_at"].(time.Time)
	if !ok || !seen.Equal(set["updated_at"].(time.Time)) {
		t.Fatalf("expected matching last_seen_at and updated_at, got %v", set)
	}

	insert := users.clause(t, "$setOnInsert")
	if balance, ok := insert["balance"].(decimal.Decimal); !ok || !balance.IsZero() {
		t.Fatalf("expected zero balance on insert, got %v", insert["balance"])
	}
	if insert["is_admin"] != false || insert["channel_verified"] != false {
		t.Fatalf("expected new users to start unprivileged and unverified, got %v", insert)
	}
	if _, clash := set["balance"]; clash {
		t.Fatalf("balance must never be overwritten by a profile refresh")
	}

	if len(activity.entries) != 1 || activity.entries[0].Action != domain.ActionUserRegistered || activity.entries[0].UserID != 123 {
		t.Fatalf("expected user_registered activity, got %+v", activity.entries)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Data["event"] != domain.ActionUserRegistered {
		t.Fatalf("expected user_registered log event, got %+v", entry)
	}
}

func TestEnsureUserReturningSellerSkipsActivity(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	users := &upsertRecorder{result: &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}}
	activity := &recordingActivity{}
	registrar := NewRegistrar(users, activity, logrus.NewEntry(logger))

	created, err := registrar.EnsureUser(context.Background(), Profile{UserID: 777, Username: "new_name"})
	if err != nil {
		t.Fatalf("EnsureUser returned error: %v", err)
	}
	if created {
		t.Fatalf("expected created=false for existing user")
	}
	if len(activity.entries) != 0 {
		t.Fatalf("expected no activity for a returning user, got %+v", activity.entries)
	}
}

func TestEnsureUserToleratesActivityFailure(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	users := &upsertRecorder{result: &mongo.UpdateResult{UpsertedCount: 1}}
	registrar := NewRegistrar(users, &recordingActivity{err: errors.New("audit down")}, logrus.NewEntry(logger))

	created, err := registrar.EnsureUser(context.Background(), Profile{UserID: 5})
	if err != nil || !created {
		t.Fatalf("expected registration to succeed without the audit log, got created=%v err=%v", created, err)
	}

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Data["event"] == "activity_append_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected activity_append_failed warning")
	}
}

func TestEnsureUserValidatesAndPropagatesErrors(t *testing.T) {
	tests := []struct {
		name      string
		registrar *Registrar
		ctx       context.Context
		profile   Profile
		expectErr string
	}{
		{name: "nil registrar", ctx: context.Background(), profile: Profile{UserID: 1}, expectErr: "not initialized"},
		{name: "nil collection", registrar: NewRegistrar(nil, nil, nil), ctx: context.Background(), profile: Profile{UserID: 1}, expectErr: "not initialized"},
		{name: "nil context", registrar: NewRegistrar(&upsertRecorder{}, nil, nil), profile: Profile{UserID: 1}, expectErr: "context is required"},
		{name: "missing id", registrar: NewRegistrar(&upsertRecorder{}, nil, nil), ctx: context.Background(), expectErr: "user id is required"},
		{
			name:      "upsert error",
			registrar: NewRegistrar(&upsertRecorder{err: errors.New("write conflict")}, nil, nil),
			ctx:       context.Background(),
			profile:   Profile{UserID: 9},
			expectErr: "ensure user: write conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.registrar.EnsureUser(tt.ctx, tt.profile)
			if err == nil || !strings.Contains(err.Error(), tt.expectErr) {
				t.Fatalf("expected error containing %q, got %v", tt.expectErr, err)
			}
		})
	}
}
