package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/pricing"
)

// memStore mirrors the conditional semantics of the Mongo repositories under
// one mutex, which is what a single-document update gives us server-side.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]*domain.User
	submissions map[string]*domain.Submission
	credits     int
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int64]*domain.User),
		submissions: make(map[string]*domain.Submission),
	}
}

func (m *memStore) addUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.TelegramID] = &u
}

func (m *memStore) user(id int64) domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

func (m *memStore) submission(id string) domain.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.submissions[id]
}

func (m *memStore) GetByID(_ context.Context, userID int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.User{}, fmt.Errorf("find user: %w", domain.ErrNotFound)
	}
	return *u, nil
}

func (m *memStore) CreditOnce(_ context.Context, userID int64, key string, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if u.HasCredit(key) {
		return false, nil
	}
	u.Balance = u.Balance.Add(amount)
	u.CreditedSubmissions = append(u.CreditedSubmissions, key)
	m.credits++
	return true, nil
}

func (m *memStore) Create(_ context.Context, sub domain.Submission) (domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.submissions {
		if existing.UserID == sub.UserID && existing.GroupLink == sub.GroupLink {
			return domain.Submission{}, domain.ErrDuplicate
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = domain.StatusPending
	}
	sub.VerificationStatus = domain.VerificationFor(sub.Status)
	m.submissions[sub.ID] = &sub
	return sub, nil
}

func (m *memStore) Get(_ context.Context, id string) (domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return domain.Submission{}, fmt.Errorf("find submission: %w", domain.ErrNotFound)
	}
	return *sub, nil
}

func (m *memStore) FindByUserAndLink(_ context.Context, userID int64, link string) (domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.submissions {
		if sub.UserID == userID && sub.GroupLink == link {
			return *sub, nil
		}
	}
	return domain.Submission{}, domain.ErrNotFound
}

func (m *memStore) Transition(_ context.Context, id string, from []domain.SubmissionStatus, to domain.SubmissionStatus, patch domain.SubmissionPatch) (domain.Submission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return domain.Submission{}, false, domain.ErrNotFound
	}
	for _, status := range from {
		if sub.Status == status {
			sub.Status = to
			sub.VerificationStatus = domain.VerificationFor(to)
			patch.Apply(sub)
			return *sub, true, nil
		}
	}
	return *sub, false, nil
}

func (m *memStore) MarkOwnershipTransferred(_ context.Context, id string, transferred bool) (domain.Submission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return domain.Submission{}, false, domain.ErrNotFound
	}
	if sub.OwnershipTransferred == transferred {
		return *sub, false, nil
	}
	sub.OwnershipTransferred = transferred
	return *sub, true, nil
}

func (m *memStore) ReservePayment(_ context.Context, id string, amount decimal.Decimal) (domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return domain.Submission{}, domain.ErrNotFound
	}
	if !sub.PaymentAdded && sub.PaymentAmount == nil {
		sub.PaymentAmount = &amount
	}
	return *sub, nil
}

func (m *memStore) MarkPaid(_ context.Context, id string, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok || sub.PaymentAdded || sub.PaymentAmount == nil || !sub.PaymentAmount.Equal(amount) {
		return false, nil
	}
	sub.PaymentAdded = true
	return true, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submissions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.submissions, id)
	return nil
}

type stubPricer struct {
	prices map[domain.Category]decimal.Decimal
}

func (p stubPricer) QuoteSubmission(_ context.Context, sub domain.Submission) (pricing.Quote, error) {
	price, ok := p.prices[sub.GroupType]
	if !ok {
		return pricing.Quote{}, nil
	}
	return pricing.Quote{Price: price, Configured: true, Source: pricing.SourceRange}, nil
}

type stubSettings struct {
	settings domain.BotSettings
}

func (s stubSettings) Get(context.Context) (domain.BotSettings, error) {
	return s.settings, nil
}

type auditLog struct {
	mu            sync.Mutex
	activities    []domain.ActivityLog
	notifications []domain.Notification
}

func (a *auditLog) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.activities))
	for _, entry := range a.activities {
		out = append(out, entry.Action)
	}
	return out
}

func (a *auditLog) count(action string) int {
	n := 0
	for _, got := range a.actions() {
		if got == action {
			n++
		}
	}
	return n
}

type activitySink struct{ log *auditLog }

func (s activitySink) Append(_ context.Context, entry domain.ActivityLog) (domain.ActivityLog, error) {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.activities = append(s.log.activities, entry)
	return entry, nil
}

type notificationSink struct{ log *auditLog }

func (s notificationSink) Append(_ context.Context, n domain.Notification) (domain.Notification, error) {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.notifications = append(s.log.notifications, n)
	return n, nil
}

type stubTransport struct {
	mu         sync.Mutex
	join       map[string]func() (GroupInfo, error)
	owner      bool
	ownerErr   error
	joinCalls  []string
	ownerCalls int
}

func (s *stubTransport) JoinGroup(_ context.Context, identity, link string) (GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinCalls = append(s.joinCalls, identity)
	fn, ok := s.join[identity]
	if !ok {
		return GroupInfo{}, ErrNoSession
	}
	return fn()
}

func (s *stubTransport) CheckOwnership(context.Context, string, GroupRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownerCalls++
	return s.owner, s.ownerErr
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[int64][]string
}

func (n *recordingNotifier) Notify(_ context.Context, userID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.messages == nil {
		n.messages = make(map[int64][]string)
	}
	n.messages[userID] = append(n.messages[userID], text)
	return nil
}
