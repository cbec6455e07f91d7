package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
)

// SubmissionPatch lists submission fields written alongside a state change.
// Nil fields are left unchanged.
type SubmissionPatch struct {
	GroupName       *string
	GroupID         *int64
	GroupAccessHash *int64
	GroupIsChannel  *bool
	JoinedVia       *string
	GroupAge        *int
	GroupYear       *int
	GroupMonth      *int
	MemberCount     *int
	MessageCount    *int
	GroupType       *Category
	ErrorMessage    *string
	RejectionReason *string
	JoinedAt        *time.Time
	VerifiedAt      *time.Time
}

func (p SubmissionPatch) set(fields bson.M) {
	if p.GroupName != nil {
		fields["group_name"] = *p.GroupName
	}
	if p.GroupID != nil {
		fields["group_id"] = *p.GroupID
	}
	if p.GroupAccessHash != nil {
		fields["group_access_hash"] = *p.GroupAccessHash
	}
	if p.GroupIsChannel != nil {
		fields["group_is_channel"] = *p.GroupIsChannel
	}
	if p.JoinedVia != nil {
		fields["joined_via"] = *p.JoinedVia
	}
	if p.GroupAge != nil {
		fields["group_age"] = *p.GroupAge
	}
	if p.GroupYear != nil {
		fields["group_year"] = *p.GroupYear
	}
	if p.GroupMonth != nil {
		fields["group_month"] = *p.GroupMonth
	}
	if p.MemberCount != nil {
		fields["member_count"] = *p.MemberCount
	}
	if p.MessageCount != nil {
		fields["message_count"] = *p.MessageCount
	}
	if p.GroupType != nil {
		fields["group_type"] = *p.GroupType
	}
	if p.ErrorMessage != nil {
		fields["error_message"] = *p.ErrorMessage
	}
	if p.RejectionReason != nil {
		fields["rejection_reason"] = *p.RejectionReason
	}
	if p.JoinedAt != nil {
		fields["joined_at"] = *p.JoinedAt
	}
	if p.VerifiedAt != nil {
		fields["verified_at"] = *p.VerifiedAt
	}
}

// Apply copies the patch onto s. In-memory stores use it to mirror $set.
func (p SubmissionPatch) Apply(s *Submission) {
	if p.GroupName != nil {
		s.GroupName = *p.GroupName
	}
	if p.GroupID != nil {
		s.GroupID = *p.GroupID
	}
	if p.GroupAccessHash != nil {
		s.GroupAccessHash = *p.GroupAccessHash
	}
	if p.GroupIsChannel != nil {
		s.GroupIsChannel = *p.GroupIsChannel
	}
	if p.JoinedVia != nil {
		s.JoinedVia = *p.JoinedVia
	}
	if p.GroupAge != nil {
		s.GroupAge = *p.GroupAge
	}
	if p.GroupYear != nil {
		year := *p.GroupYear
		s.GroupYear = &year
	}
	if p.GroupMonth != nil {
		month := *p.GroupMonth
		s.GroupMonth = &month
	}
	if p.MemberCount != nil {
		s.MemberCount = *p.MemberCount
	}
	if p.MessageCount != nil {
		s.MessageCount = *p.MessageCount
	}
	if p.GroupType != nil {
		s.GroupType = *p.GroupType
	}
	if p.ErrorMessage != nil {
		s.ErrorMessage = *p.ErrorMessage
	}
	if p.RejectionReason != nil {
		s.RejectionReason = *p.RejectionReason
	}
	if p.JoinedAt != nil {
		at := *p.JoinedAt
		s.JoinedAt = &at
	}
	if p.VerifiedAt != nil {
		at := *p.VerifiedAt
		s.VerifiedAt = &at
	}
}

// SubmissionRepository persists submissions. State changes go through
// conditional updates so concurrent handlers cannot both win a transition.
type SubmissionRepository struct {
	collection mutableCollection
}

// NewSubmissionRepository constructs a SubmissionRepository.
func NewSubmissionRepository(collection mutableCollection) *SubmissionRepository {
	return &SubmissionRepository{collection: collection}
}

func (r *SubmissionRepository) check(ctx context.Context, id string) error {
	if err := checkCall(ctx, r != nil && r.collection != nil, "submission"); err != nil {
		return err
	}
	if id == "" {
		return errors.New("submission id is required")
	}
	return nil
}

// Create inserts a pending submission. The (user_id, group_link) unique
// index turns a resubmission into ErrDuplicate.
func (r *SubmissionRepository) Create(ctx context.Context, sub Submission) (Submission, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := r.check(ctx, sub.ID); err != nil {
		return Submission{}, err
	}
	if sub.UserID == 0 {
		return Submission{}, errors.New("user_id is required")
	}
	if sub.GroupLink == "" {
		return Submission{}, errors.New("group_link is required")
	}
	if sub.Status == "" {
		sub.Status = StatusPending
	}
	sub.VerificationStatus = VerificationFor(sub.Status)

	ts := now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = ts
	}
	sub.UpdatedAt = ts

	if _, err := r.collection.InsertOne(ctx, sub); err != nil {
		return Submission{}, insertErr("submission", err)
	}

	return sub, nil
}

// Get fetches a submission by id.
func (r *SubmissionRepository) Get(ctx context.Context, id string) (Submission, error) {
	if err := r.check(ctx, id); err != nil {
		return Submission{}, err
	}

	var sub Submission
	if err := decodeOne(r.collection.FindOne(ctx, bson.M{"_id": id}), "submission", &sub); err != nil {
		return Submission{}, err
	}

	return sub, nil
}

// FindByUserAndLink fetches the submission a user already made for link.
func (r *SubmissionRepository) FindByUserAndLink(ctx context.Context, userID int64, link string) (Submission, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "submission"); err != nil {
		return Submission{}, err
	}

	var sub Submission
	filter := bson.M{"user_id": userID, "group_link": link}
	if err := decodeOne(r.collection.FindOne(ctx, filter), "submission", &sub); err != nil {
		return Submission{}, err
	}

	return sub, nil
}

// ListByUser returns a user's submissions newest first.
func (r *SubmissionRepository) ListByUser(ctx context.Context, userID int64) ([]Submission, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	return r.List(ctx, SubmissionFilter{UserID: userID})
}

// List returns submissions matching filter newest first.
func (r *SubmissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]Submission, error) {
	if err := checkCall(ctx, r != nil && r.collection != nil, "submission"); err != nil {
		return nil, err
	}

	query := bson.M{}
	if filter.UserID != 0 {
		query["user_id"] = filter.UserID
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	subs := []Submission{}
	cursor, err := r.collection.Find(ctx, query, newestFirst(filter.Limit, 0))
	if err := decodeAll(ctx, cursor, err, "submissions", &subs); err != nil {
		return nil, err
	}

	return subs, nil
}

// Update writes patch without touching the status.
func (r *SubmissionRepository) Update(ctx context.Context, id string, patch SubmissionPatch) (Submission, error) {
	if err := r.check(ctx, id); err != nil {
		return Submission{}, err
	}

	set := bson.M{"updated_at": now()}
	patch.set(set)

	var sub Submission
	result := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, returnAfter())
	if err := decodeOne(result, "submission", &sub); err != nil {
		return Submission{}, err
	}

	return sub, nil
}

// Transition moves a submission to status to if its current status is one of
// from, writing patch in the same update. It reports whether the transition
// applied; when it did not, the current submission is returned unchanged.
func (r *SubmissionRepository) Transition(ctx context.Context, id string, from []SubmissionStatus, to SubmissionStatus, patch SubmissionPatch) (Submission, bool, error) {
	if err := r.check(ctx, id); err != nil {
		return Submission{}, false, err
	}
	if len(from) == 0 {
		return Submission{}, false, errors.New("at least one source status is required")
	}
	if !to.Valid() {
		return Submission{}, false, fmt.Errorf("unknown status %q", to)
	}

	set := bson.M{
		"status":              to,
		"verification_status": VerificationFor(to),
		"updated_at":          now(),
	}
	patch.set(set)

	var sub Submission
	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	err := decodeOne(r.collection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, returnAfter()), "submission", &sub)
	if errors.Is(err, ErrNotFound) {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return Submission{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Submission{}, false, err
	}

	return sub, true, nil
}

// MarkOwnershipTransferred sets the ownership flag when it differs from the
// stored value. It reports whether this call changed it.
func (r *SubmissionRepository) MarkOwnershipTransferred(ctx context.Context, id string, transferred bool) (Submission, bool, error) {
	if err := r.check(ctx, id); err != nil {
		return Submission{}, false, err
	}

	ts := now()
	set := bson.M{"ownership_transferred": transferred, "updated_at": ts}
	update := bson.M{"$set": set}
	if transferred {
		set["ownership_verified_at"] = ts
	} else {
		update["$unset"] = bson.M{"ownership_verified_at": ""}
	}

	var sub Submission
	filter := bson.M{"_id": id, "ownership_transferred": bson.M{"$ne": transferred}}
	err := decodeOne(r.collection.FindOneAndUpdate(ctx, filter, update, returnAfter()), "submission", &sub)
	if errors.Is(err, ErrNotFound) {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return Submission{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Submission{}, false, err
	}

	return sub, true, nil
}

// ReservePayment stores the amount a submission will be paid before anything
// is credited. Only the first reservation is kept; the returned submission
// carries whichever amount won.
func (r *SubmissionRepository) ReservePayment(ctx context.Context, id string, amount decimal.Decimal) (Submission, error) {
	if err := r.check(ctx, id); err != nil {
		return Submission{}, err
	}
	if !amount.IsPositive() {
		return Submission{}, errors.New("payment amount must be positive")
	}

	filter := bson.M{"_id": id, "payment_added": false, "payment_amount": nil}
	update := bson.M{"$set": bson.M{"payment_amount": amount, "updated_at": now()}}

	var sub Submission
	err := decodeOne(r.collection.FindOneAndUpdate(ctx, filter, update, returnAfter()), "submission", &sub)
	if errors.Is(err, ErrNotFound) {
		return r.Get(ctx, id)
	}
	if err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// MarkPaid sets payment_added once, and only for the reserved amount. It
// reports whether this call set it.
func (r *SubmissionRepository) MarkPaid(ctx context.Context, id string, amount decimal.Decimal) (bool, error) {
	if err := r.check(ctx, id); err != nil {
		return false, err
	}

	filter := bson.M{"_id": id, "payment_added": false, "payment_amount": amount}
	update := bson.M{"$set": bson.M{
		"payment_added": true,
		"updated_at":    now(),
	}}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mark submission paid: %w", err)
	}

	return res != nil && res.ModifiedCount > 0, nil
}

// Delete removes a submission.
func (r *SubmissionRepository) Delete(ctx context.Context, id string) error {
	if err := r.check(ctx, id); err != nil {
		return err
	}
	return deleteByID(ctx, r.collection, id, "submission")
}
