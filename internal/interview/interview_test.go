package interview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/secret"
)

const owner int64 = 1

type stubLogin struct {
	signInErr   error
	passwordErr error
	codes       []string
}

func (l *stubLogin) SignIn(_ context.Context, code string) (string, error) {
	l.codes = append(l.codes, code)
	if l.signInErr != nil {
		return "", l.signInErr
	}
	return "session-blob", nil
}

func (l *stubLogin) CheckPassword(_ context.Context, password string) (string, error) {
	if l.passwordErr != nil {
		return "", l.passwordErr
	}
	if password != "hunter2" {
		return "", errors.New("PASSWORD_HASH_INVALID")
	}
	return "session-blob-2fa", nil
}

type stubTransport struct {
	login   *stubLogin
	sendErr error
	creds   []Credentials
}

func (s *stubTransport) SendCode(_ context.Context, creds Credentials) (Login, error) {
	s.creds = append(s.creds, creds)
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return s.login, nil
}

type memSessions struct {
	mu     sync.Mutex
	stored []domain.UserbotSession
}

func (m *memSessions) Upsert(_ context.Context, s domain.UserbotSession) (domain.UserbotSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, s)
	return s, nil
}

type fixture struct {
	manager   *Manager
	transport *stubTransport
	sessions  *memSessions
	cipher    *secret.Cipher
	hook      *test.Hook
	clock     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cipher, err := secret.NewCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewCipher returned error: %v", err)
	}

	logger, hook := test.NewNullLogger()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	f := &fixture{
		transport: &stubTransport{login: &stubLogin{}},
		sessions:  &memSessions{},
		cipher:    cipher,
		hook:      hook,
		clock:     &now,
	}

	f.manager, err = NewManager(f.transport, cipher, f.sessions, Options{
		Logger: logrus.NewEntry(logger),
		Now:    func() time.Time { return *f.clock },
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return f
}

func (f *fixture) feed(t *testing.T, inputs ...string) Reply {
	t.Helper()
	var reply Reply
	for _, input := range inputs {
		var err error
		reply, err = f.manager.Handle(context.Background(), owner, input)
		if err != nil {
			t.Fatalf("Handle(%q) returned error: %v", input, err)
		}
	}
	return reply
}

func TestInterviewStoresEncryptedSession(t *testing.T) {
	f := newFixture(t)

	reply, err := f.manager.Start(context.Background(), domain.IdentityPrimary, owner)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if reply.Step != StepAPIID {
		t.Fatalf("expected api_id step, got %s", reply.Step)
	}

	reply = f.feed(t, "12345", "0123456789abcdef", "+1 555 123 4567", "1 2 3 4 5")
	if !reply.Done || reply.Step != StepComplete {
		t.Fatalf("expected completion, got %+v", reply)
	}

	if len(f.transport.creds) != 1 || f.transport.creds[0] != (Credentials{APIID: 12345, APIHash: "0123456789abcdef", Phone: "+15551234567"}) {
		t.Fatalf("unexpected credentials sent: %+v", f.transport.creds)
	}
	if got := f.transport.login.codes; len(got) != 1 || got[0] != "12345" {
		t.Fatalf("expected normalized code, got %v", got)
	}

	if len(f.sessions.stored) != 1 {
		t.Fatalf("expected one stored session, got %d", len(f.sessions.stored))
	}
	stored := f.sessions.stored[0]
	if !stored.IsActive || stored.Identity != domain.IdentityPrimary {
		t.Fatalf("expected active primary session, got %+v", stored)
	}
	for _, field := range []string{stored.APIID, stored.APIHash, stored.PhoneNumber, stored.SessionString} {
		if field == "" || strings.Contains(field, "12345") || strings.Contains(field, "session-blob") {
			t.Fatalf("expected sealed credential, got %q", field)
		}
	}

	opened, err := f.cipher.DecryptFields(stored)
	if err != nil {
		t.Fatalf("DecryptFields returned error: %v", err)
	}
	if opened.SessionString != "session-blob" || opened.PhoneNumber != "+15551234567" {
		t.Fatalf("unexpected decrypted session: %+v", opened)
	}

	if _, active := f.manager.Active(domain.IdentityPrimary); active {
		t.Fatalf("expected interview state to be cleared")
	}
	if entry := f.hook.LastEntry(); entry == nil || entry.Data["event"] != domain.ActionSessionConnected {
		t.Fatalf("expected session_connected log event, got %+v", entry)
	}
}

func TestInterviewRepromptsInvalidInput(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Start(context.Background(), domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	steps := []struct {
		input string
		want  Step
	}{
		{"abc", StepAPIID},
		{"12345", StepAPIHash},
		{"short", StepAPIHash},
		{"0123456789abcdef", StepPhone},
		{"123", StepPhone},
		{"+15551234567", StepCode},
		{"12", StepCode},
	}

	for _, step := range steps {
		reply := f.feed(t, step.input)
		if reply.Step != step.want {
			t.Fatalf("after %q expected step %s, got %s", step.input, step.want, reply.Step)
		}
	}
}

func TestInterviewTwoStepPassword(t *testing.T) {
	f := newFixture(t)
	f.transport.login.signInErr = ErrPasswordRequired

	if _, err := f.manager.Start(context.Background(), domain.IdentitySecondary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	reply := f.feed(t, "12345", "0123456789abcdef", "+15551234567", "123456")
	if reply.Step != StepPassword {
		t.Fatalf("expected password step, got %s", reply.Step)
	}

	reply = f.feed(t, "hunter2")
	if !reply.Done {
		t.Fatalf("expected completion, got %+v", reply)
	}

	opened, err := f.cipher.DecryptFields(f.sessions.stored[0])
	if err != nil {
		t.Fatalf("DecryptFields returned error: %v", err)
	}
	if opened.SessionString != "session-blob-2fa" || opened.Identity != domain.IdentitySecondary {
		t.Fatalf("unexpected session: %+v", opened)
	}
}

func TestInterviewAbortsOnTransportError(t *testing.T) {
	f := newFixture(t)
	f.transport.sendErr = errors.New("PHONE_NUMBER_BANNED")
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	reply := f.feed(t, "12345", "0123456789abcdef", "+15551234567")
	if !reply.Aborted || !strings.Contains(reply.Text, "PHONE_NUMBER_BANNED") {
		t.Fatalf("expected abort with transport error, got %+v", reply)
	}
	if f.manager.InProgress(owner) {
		t.Fatalf("expected interview cleared after abort")
	}
	if _, err := f.manager.Handle(ctx, owner, "12345"); !errors.Is(err, ErrNoInterview) {
		t.Fatalf("expected ErrNoInterview, got %v", err)
	}
	if len(f.sessions.stored) != 0 {
		t.Fatalf("expected nothing stored")
	}

	f.transport.sendErr = nil
	if _, err := f.manager.Start(ctx, domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("expected restart after abort, got %v", err)
	}
}

func TestInterviewAbortsOnWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.transport.login.signInErr = ErrPasswordRequired

	if _, err := f.manager.Start(context.Background(), domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	reply := f.feed(t, "12345", "0123456789abcdef", "+15551234567", "123456", "wrong")
	if !reply.Aborted {
		t.Fatalf("expected abort, got %+v", reply)
	}
	if len(f.sessions.stored) != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestInterviewRejectsConcurrentStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	f.feed(t, "12345")

	if _, err := f.manager.Start(ctx, domain.IdentityPrimary, 2); !errors.Is(err, ErrInterviewInProgress) {
		t.Fatalf("expected ErrInterviewInProgress, got %v", err)
	}
	if _, err := f.manager.Start(ctx, domain.IdentitySecondary, owner); !errors.Is(err, ErrOwnerBusy) {
		t.Fatalf("expected ErrOwnerBusy, got %v", err)
	}
	if step, _ := f.manager.Active(domain.IdentityPrimary); step != StepAPIHash {
		t.Fatalf("expected the running interview untouched, got %s", step)
	}
	if _, err := f.manager.Start(ctx, "someone_else", 3); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestInterviewCancelReleasesIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	f.feed(t, "12345", "0123456789abcdef")

	reply, err := f.manager.Cancel(ctx, owner)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if !reply.Aborted {
		t.Fatalf("expected aborted reply")
	}
	if _, err := f.manager.Cancel(ctx, owner); !errors.Is(err, ErrNoInterview) {
		t.Fatalf("expected ErrNoInterview on second cancel, got %v", err)
	}
	if _, err := f.manager.Start(ctx, domain.IdentityPrimary, 2); err != nil {
		t.Fatalf("expected identity to be free after cancel, got %v", err)
	}
}

func TestInterviewExpiresWhenIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	*f.clock = f.clock.Add(DefaultTTL + time.Minute)

	if _, err := f.manager.Start(ctx, domain.IdentityPrimary, 2); err != nil {
		t.Fatalf("expected idle interview to be reclaimed, got %v", err)
	}
	if f.manager.InProgress(owner) {
		t.Fatalf("expected the idle owner to be released")
	}
}

func sharedReplicas(t *testing.T, f *fixture) (*Manager, *Manager) {
	t.Helper()

	locker := NewMemoryLocker()
	locker.clock = func() time.Time { return *f.clock }

	build := func() *Manager {
		logger, _ := test.NewNullLogger()
		m, err := NewManager(f.transport, f.cipher, f.sessions, Options{
			Locker: locker,
			Logger: logrus.NewEntry(logger),
			Now:    func() time.Time { return *f.clock },
		})
		if err != nil {
			t.Fatalf("NewManager returned error: %v", err)
		}
		return m
	}
	return build(), build()
}

func TestInterviewKeepsLockWhileActive(t *testing.T) {
	f := newFixture(t)
	first, second := sharedReplicas(t, f)
	ctx := context.Background()

	if _, err := first.Start(ctx, domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	// An admin who keeps answering holds the identity well past one TTL.
	for i := 0; i < 4; i++ {
		*f.clock = f.clock.Add(10 * time.Minute)
		if _, err := first.Handle(ctx, owner, "not-a-number"); err != nil {
			t.Fatalf("Handle returned error: %v", err)
		}
	}

	if _, err := second.Start(ctx, domain.IdentityPrimary, 2); !errors.Is(err, ErrInterviewInProgress) {
		t.Fatalf("expected the other replica to be refused, got %v", err)
	}
	if step, ok := first.Active(domain.IdentityPrimary); !ok || step != StepAPIID {
		t.Fatalf("expected the running interview untouched, got %s %v", step, ok)
	}
}

func TestInterviewAbortsWhenLockIsLost(t *testing.T) {
	f := newFixture(t)
	first, second := sharedReplicas(t, f)
	ctx := context.Background()

	if _, err := first.Start(ctx, domain.IdentityPrimary, owner); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	*f.clock = f.clock.Add(DefaultTTL + time.Minute)
	if _, err := second.Start(ctx, domain.IdentityPrimary, 2); err != nil {
		t.Fatalf("expected the expired lock to be taken over, got %v", err)
	}

	reply, err := first.Handle(ctx, owner, "12345")
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !reply.Aborted || !strings.Contains(reply.Text, ErrLockLost.Error()) {
		t.Fatalf("expected the stale interview to abort, got %+v", reply)
	}
	if first.InProgress(owner) {
		t.Fatalf("expected the stale interview to be dropped")
	}
	if len(f.transport.creds) != 0 {
		t.Fatalf("expected no login attempt from the stale interview")
	}

	if _, err := first.Start(ctx, domain.IdentityPrimary, 3); !errors.Is(err, ErrInterviewInProgress) {
		t.Fatalf("expected the new holder to keep its lock, got %v", err)
	}
	if step, ok := second.Active(domain.IdentityPrimary); !ok || step != StepAPIID {
		t.Fatalf("expected the new interview to continue, got %s %v", step, ok)
	}
}
