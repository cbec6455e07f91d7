package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_group_market_bot/internal/domain"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

type aggregateCountCollection interface {
	countCollection
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
}

// Stats is the dashboard summary.
type Stats struct {
	Users              int64                             `json:"users"`
	Submissions        map[domain.SubmissionStatus]int64 `json:"submissions"`
	PendingWithdrawals int64                             `json:"pending_withdrawals"`
	OutstandingBalance decimal.Decimal                   `json:"outstanding_balance"`
}

// StatsProvider exposes helper methods to retrieve collection counts for the
// admin dashboard without leaking MongoDB internals to callers.
type StatsProvider struct {
	users       aggregateCountCollection
	submissions countCollection
	withdrawals countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the provided
// collections.
func NewStatsProvider(users aggregateCountCollection, submissions, withdrawals countCollection) *StatsProvider {
	return &StatsProvider{
		users:       users,
		submissions: submissions,
		withdrawals: withdrawals,
	}
}

func (p *StatsProvider) ready(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if p == nil || p.users == nil || p.submissions == nil || p.withdrawals == nil {
		return errors.New("stats provider is not initialized")
	}
	return nil
}

// CountUsers returns the number of documents in the users collection.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	if err := p.ready(ctx); err != nil {
		return 0, err
	}

	count, err := p.users.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return count, nil
}

// CountSubmissions returns the number of submissions in status.
func (p *StatsProvider) CountSubmissions(ctx context.Context, status domain.SubmissionStatus) (int64, error) {
	if err := p.ready(ctx); err != nil {
		return 0, err
	}

	count, err := p.submissions.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		return 0, fmt.Errorf("count %s submissions: %w", status, err)
	}

	return count, nil
}

// CountPendingWithdrawals returns the number of withdrawals awaiting an admin.
func (p *StatsProvider) CountPendingWithdrawals(ctx context.Context) (int64, error) {
	if err := p.ready(ctx); err != nil {
		return 0, err
	}

	count, err := p.withdrawals.CountDocuments(ctx, bson.M{"status": domain.WithdrawalPending})
	if err != nil {
		return 0, fmt.Errorf("count pending withdrawals: %w", err)
	}

	return count, nil
}

// OutstandingBalance sums every user balance server-side.
func (p *StatsProvider) OutstandingBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := p.ready(ctx); err != nil {
		return decimal.Zero, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$balance"}}},
		}}},
	}

	cursor, err := p.users.Aggregate(ctx, pipeline)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum balances: %w", err)
	}

	var rows []struct {
		Total decimal.Decimal `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance sum: %w", err)
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}

	return rows[0].Total, nil
}

// Snapshot gathers every dashboard figure.
func (p *StatsProvider) Snapshot(ctx context.Context) (Stats, error) {
	users, err := p.CountUsers(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Users: users, Submissions: make(map[domain.SubmissionStatus]int64)}
	for _, status := range []domain.SubmissionStatus{
		domain.StatusPending, domain.StatusJoining, domain.StatusJoined,
		domain.StatusFailed, domain.StatusApproved, domain.StatusRejected,
	} {
		count, err := p.CountSubmissions(ctx, status)
		if err != nil {
			return Stats{}, err
		}
		stats.Submissions[status] = count
	}

	if stats.PendingWithdrawals, err = p.CountPendingWithdrawals(ctx); err != nil {
		return Stats{}, err
	}
	if stats.OutstandingBalance, err = p.OutstandingBalance(ctx); err != nil {
		return Stats{}, err
	}

	return stats, nil
}
