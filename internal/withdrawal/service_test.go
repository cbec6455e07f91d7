package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tg_group_market_bot/internal/domain"
)

type memLedger struct {
	mu          sync.Mutex
	balances    map[int64]decimal.Decimal
	withdrawals map[string]*domain.Withdrawal
	credited    map[string]bool
	createErr   error
	creditErr   error
	activity    []domain.ActivityLog
	notes       []domain.Notification
}

func newMemLedger() *memLedger {
	return &memLedger{
		balances:    make(map[int64]decimal.Decimal),
		withdrawals: make(map[string]*domain.Withdrawal),
		credited:    make(map[string]bool),
	}
}

func (m *memLedger) balance(userID int64) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *memLedger) DrainBalance(_ context.Context, userID int64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.balances[userID]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	m.balances[userID] = decimal.Zero
	return current, nil
}

func (m *memLedger) AddBalance(_ context.Context, userID int64, delta decimal.Decimal) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.balances[userID].Add(delta)
	if next.IsNegative() {
		return domain.User{}, domain.ErrInsufficientBalance
	}
	m.balances[userID] = next
	return domain.User{TelegramID: userID, Balance: next}, nil
}

func (m *memLedger) CreditOnce(_ context.Context, userID int64, key string, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creditErr != nil {
		return false, m.creditErr
	}
	if m.credited[key] {
		return false, nil
	}
	m.credited[key] = true
	m.balances[userID] = m.balances[userID].Add(amount)
	return true, nil
}

func (m *memLedger) Create(_ context.Context, w domain.Withdrawal) (domain.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.Withdrawal{}, m.createErr
	}
	w.ID = uuid.NewString()
	w.Status = domain.WithdrawalPending
	m.withdrawals[w.ID] = &w
	return w, nil
}

func (m *memLedger) Resolve(_ context.Context, id string, to domain.WithdrawalStatus, note string) (domain.Withdrawal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return domain.Withdrawal{}, false, domain.ErrNotFound
	}
	if w.Status != domain.WithdrawalPending {
		return *w, false, nil
	}
	w.Status = to
	w.AdminNote = note
	return *w, true, nil
}

type activityFunc func(domain.ActivityLog)

func (f activityFunc) Append(_ context.Context, entry domain.ActivityLog) (domain.ActivityLog, error) {
	f(entry)
	return entry, nil
}

type notificationFunc func(domain.Notification)

func (f notificationFunc) Append(_ context.Context, n domain.Notification) (domain.Notification, error) {
	f(n)
	return n, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	users  []int64
	admins []string
}

func (r *recordingNotifier) Notify(_ context.Context, userID int64, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return nil
}

func (r *recordingNotifier) NotifyAdmins(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admins = append(r.admins, text)
	return nil
}

func newTestService(ledger *memLedger) (*Service, *recordingNotifier, *test.Hook) {
	logger, hook := test.NewNullLogger()
	svc := NewService(
		ledger,
		ledger,
		activityFunc(func(entry domain.ActivityLog) {
			ledger.mu.Lock()
			ledger.activity = append(ledger.activity, entry)
			ledger.mu.Unlock()
		}),
		notificationFunc(func(n domain.Notification) {
			ledger.mu.Lock()
			ledger.notes = append(ledger.notes, n)
			ledger.mu.Unlock()
		}),
		logrus.NewEntry(logger),
	)
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)
	return svc, notifier, hook
}

func TestRequestDrainsWholeBalance(t *testing.T) {
	ledger := newMemLedger()
	ledger.balances[7] = decimal.RequireFromString("125.50")
	svc, notifier, hook := newTestService(ledger)

	outcome, err := svc.Request(context.Background(), 7, "usdt", " TXabc ")
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	if outcome.Kind != KindRequested {
		t.Fatalf("expected requested, got %s", outcome.Kind)
	}
	if !outcome.Withdrawal.Amount.Equal(decimal.RequireFromString("125.50")) {
		t.Fatalf("expected amount 125.50, got %s", outcome.Withdrawal.Amount)
	}
	if outcome.Withdrawal.PaymentDetails != "TXabc" {
		t.Fatalf("expected trimmed details, got %q", outcome.Withdrawal.PaymentDetails)
	}
	if !ledger.balance(7).IsZero() {
		t.Fatalf("expected balance drained, got %s", ledger.balance(7))
	}
	if len(notifier.admins) != 1 {
		t.Fatalf("expected admin notification, got %v", notifier.admins)
	}
	if len(ledger.activity) != 1 || ledger.activity[0].WithdrawalID != outcome.Withdrawal.ID {
		t.Fatalf("expected withdrawal activity, got %+v", ledger.activity)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != domain.ActionWithdrawalRequested {
		t.Fatalf("expected withdrawal_requested log event, got %+v", entry)
	}
}

func TestRequestWithEmptyBalance(t *testing.T) {
	ledger := newMemLedger()
	ledger.balances[7] = decimal.Zero
	svc, notifier, _ := newTestService(ledger)

	outcome, err := svc.Request(context.Background(), 7, "usdt", "TXabc")
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	if outcome.Kind != KindNothingToWithdraw {
		t.Fatalf("expected nothing to withdraw, got %s", outcome.Kind)
	}
	if len(ledger.withdrawals) != 0 || len(notifier.admins) != 0 {
		t.Fatalf("expected no record and no admin notification")
	}
}

func TestRequestValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(newMemLedger())

	if _, err := svc.Request(context.Background(), 7, "", "TXabc"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestRequestRestoresBalanceWhenRecordFails(t *testing.T) {
	ledger := newMemLedger()
	ledger.balances[7] = decimal.NewFromInt(40)
	ledger.createErr = errors.New("insert failed")
	svc, _, _ := newTestService(ledger)

	if _, err := svc.Request(context.Background(), 7, "usdt", "TXabc"); err == nil {
		t.Fatalf("expected error when the record cannot be created")
	}
	if !ledger.balance(7).Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected balance restored to 40, got %s", ledger.balance(7))
	}
}

func TestConcurrentRequestsDrainOnce(t *testing.T) {
	ledger := newMemLedger()
	ledger.balances[7] = decimal.NewFromInt(100)
	svc, _, _ := newTestService(ledger)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		requested int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := svc.Request(context.Background(), 7, "usdt", "TXabc")
			if err != nil {
				t.Errorf("Request returned error: %v", err)
				return
			}
			if outcome.Kind == KindRequested {
				mu.Lock()
				requested++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if requested != 1 || len(ledger.withdrawals) != 1 {
		t.Fatalf("expected exactly one withdrawal, got %d outcomes and %d records", requested, len(ledger.withdrawals))
	}
	for _, w := range ledger.withdrawals {
		if !w.Amount.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("expected withdrawal of 100, got %s", w.Amount)
		}
	}
}

func TestRejectRefundsOnce(t *testing.T) {
	ledger := newMemLedger()
	ledger.balances[7] = decimal.NewFromInt(100)
	svc, notifier, _ := newTestService(ledger)
	ctx := context.Background()

	requested, err := svc.Request(ctx, 7, "usdt", "TXabc")
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}

	rejected, err := svc.Reject(ctx, requested.Withdrawal.ID, "wrong wallet")
	if err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}
	if rejected.Kind != KindRejected || rejected.Withdrawal.AdminNote != "wrong wallet" {
		t.Fatalf("expected rejection with note, got %+v", rejected)
	}
	if !ledger.balance(7).Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected refund to 100, got %s", ledger.balance(7))
	}

	again, err := svc.Reject(ctx, requested.Withdrawal.ID, "wrong wallet")
	if err != nil {
		t.Fatalf("second Reject returned error: %v", err)
	}
	if again.Kind != KindAlreadyResolved {
		t.Fatalf("expected already resolved, got %s", again.Kind)
	}
	if !ledger.balance(7).Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected no double refund, got %s", ledger.balance(7))
	}
	if len(notifier.users) != 1 {
		t.Fatalf("expected one user notification, got %v", notifier.users)
	}
}

func TestRejectRetriesFailedRefund(t *testing.T) {
	ledger := newMemLedger()
	ledger.balances[7] = decimal.NewFromInt(100)
	svc, notifier, hook := newTestService(ledger)
	ctx := context.Background()

	requested, err := svc.Request(ctx, 7, "usdt", "TXabc")
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}

	ledger.creditErr = errors.New("write timeout")
	if _, err := svc.Reject(ctx, requested.Withdrawal.ID, "wrong wallet"); err == nil {
		t.Fatalf("expected refund failure to surface")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Data["event"] != "withdrawal_refund_failed" {
		t.Fatalf("expected withdrawal_refund_failed log event, got %+v", entry)
	}
	if !ledger.balance(7).IsZero() || len(notifier.users) != 0 {
		t.Fatalf("expected nothing refunded or announced yet")
	}

	ledger.creditErr = nil
	retried, err := svc.Reject(ctx, requested.Withdrawal.ID, "")
	if err != nil {
		t.Fatalf("retried Reject returned error: %v", err)
	}
	if retried.Kind != KindRejected {
		t.Fatalf("expected retry to complete the rejection, got %s", retried.Kind)
	}
	if retried.Withdrawal.AdminNote != "wrong wallet" {
		t.Fatalf("expected the original note to stay, got %q", retried.Withdrawal.AdminNote)
	}
	if !ledger.balance(7).Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected refund to 100, got %s", ledger.balance(7))
	}

	again, err := svc.Reject(ctx, requested.Withdrawal.ID, "")
	if err != nil {
		t.Fatalf("third Reject returned error: %v", err)
	}
	if again.Kind != KindAlreadyResolved || !ledger.balance(7).Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected no second refund, got %s with balance %s", again.Kind, ledger.balance(7))
	}
	if len(notifier.users) != 1 {
		t.Fatalf("expected one user notification, got %v", notifier.users)
	}
}

func TestApproveDoesNotRefund(t *testing.T) {
	ledger := newMemLedger()
	ledger.balances[7] = decimal.NewFromInt(30)
	svc, _, _ := newTestService(ledger)
	ctx := context.Background()

	requested, err := svc.Request(ctx, 7, "card", "4111")
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}

	approved, err := svc.Approve(ctx, requested.Withdrawal.ID, "")
	if err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}
	if approved.Withdrawal.Status != domain.WithdrawalApproved {
		t.Fatalf("expected approved status, got %s", approved.Withdrawal.Status)
	}
	if !ledger.balance(7).IsZero() {
		t.Fatalf("expected balance to stay drained, got %s", ledger.balance(7))
	}

	rejected, err := svc.Reject(ctx, requested.Withdrawal.ID, "")
	if err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}
	if rejected.Kind != KindAlreadyResolved {
		t.Fatalf("expected approved withdrawal to stay approved, got %s", rejected.Kind)
	}
}

func TestResolveUnknownWithdrawal(t *testing.T) {
	svc, _, _ := newTestService(newMemLedger())

	if _, err := svc.Approve(context.Background(), "missing", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
