// Package interview collects userbot credentials from an admin step by step
// and stores the resulting session encrypted.
package interview

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/logging"
)

// Step is the input an interview is waiting for.
type Step string

const (
	StepAPIID    Step = "api_id"
	StepAPIHash  Step = "api_hash"
	StepPhone    Step = "phone"
	StepCode     Step = "code"
	StepPassword Step = "password"
	StepComplete Step = "complete"
)

// DefaultTTL bounds how long an abandoned interview blocks its identity.
const DefaultTTL = 15 * time.Minute

const minAPIHashLength = 10

var (
	ErrInterviewInProgress = errors.New("an interview for this session is already in progress")
	ErrOwnerBusy           = errors.New("you already have an interview in progress")
	ErrNoInterview         = errors.New("no interview in progress")
	ErrUnknownIdentity     = errors.New("unknown session identity")
	ErrLockLost            = errors.New("the session setup lock expired")
	// ErrPasswordRequired is returned by Login.SignIn when the account has
	// two-step verification enabled.
	ErrPasswordRequired = errors.New("two-step verification password required")
)

var (
	digitsPattern = regexp.MustCompile(`^\d+$`)
	phonePattern  = regexp.MustCompile(`^\+?\d{10,15}$`)
	codePattern   = regexp.MustCompile(`^\d{5,6}$`)
)

// Credentials are the account parameters collected before the code is sent.
type Credentials struct {
	APIID   int
	APIHash string
	Phone   string
}

// Login is a sign-in in progress after a code was sent. Both methods return
// the serialized session on success.
type Login interface {
	SignIn(ctx context.Context, code string) (string, error)
	CheckPassword(ctx context.Context, password string) (string, error)
}

// Transport starts a sign-in against the messaging network.
type Transport interface {
	SendCode(ctx context.Context, creds Credentials) (Login, error)
}

// Sealer encrypts credential fields before they are stored.
type Sealer interface {
	EncryptFields(s domain.UserbotSession) (domain.UserbotSession, error)
}

// SessionStore persists completed sessions.
type SessionStore interface {
	Upsert(ctx context.Context, s domain.UserbotSession) (domain.UserbotSession, error)
}

// ActivityAppender writes audit records.
type ActivityAppender interface {
	Append(ctx context.Context, entry domain.ActivityLog) (domain.ActivityLog, error)
}

// Reply is what the bot should send back after a step.
type Reply struct {
	Identity string
	Step     Step
	Text     string
	Done     bool
	Aborted  bool
}

type state struct {
	mu sync.Mutex

	identity string
	owner    int64
	token    string
	step     Step
	touched  time.Time
	closed   bool

	apiID   string
	apiHash string
	phone   string
	login   Login
}

func (s *state) wipe() {
	s.apiID = ""
	s.apiHash = ""
	s.phone = ""
	s.login = nil
	s.closed = true
}

// Options tunes a Manager.
type Options struct {
	Locker   Locker
	Activity ActivityAppender
	Logger   *logrus.Entry
	TTL      time.Duration
	Now      func() time.Time
}

// Manager owns every interview in the process. One interview may run per
// identity and per admin.
type Manager struct {
	transport Transport
	sealer    Sealer
	sessions  SessionStore
	locker    Locker
	activity  ActivityAppender
	logger    *logrus.Entry
	ttl       time.Duration
	now       func() time.Time

	mu         sync.Mutex
	byIdentity map[string]*state
	byOwner    map[int64]*state
}

// NewManager constructs a Manager.
func NewManager(transport Transport, sealer Sealer, sessions SessionStore, opts Options) (*Manager, error) {
	if transport == nil || sealer == nil || sessions == nil {
		return nil, errors.New("interview transport, sealer and session store are required")
	}

	m := &Manager{
		transport:  transport,
		sealer:     sealer,
		sessions:   sessions,
		locker:     opts.Locker,
		activity:   opts.Activity,
		logger:     opts.Logger,
		ttl:        opts.TTL,
		now:        opts.Now,
		byIdentity: make(map[string]*state),
		byOwner:    make(map[int64]*state),
	}
	if m.locker == nil {
		m.locker = NewMemoryLocker()
	}
	if m.logger == nil {
		m.logger = logging.Logger()
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.now == nil {
		m.now = time.Now
	}

	return m, nil
}

func lockKey(identity string) string {
	return "interview:" + identity
}

// Start opens an interview for identity driven by ownerID. A second start
// for an identity that is already being set up is rejected.
func (m *Manager) Start(ctx context.Context, identity string, ownerID int64) (Reply, error) {
	if !domain.ValidIdentity(identity) {
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(ctx)

	if _, ok := m.byOwner[ownerID]; ok {
		return Reply{}, ErrOwnerBusy
	}
	if _, ok := m.byIdentity[identity]; ok {
		return Reply{}, ErrInterviewInProgress
	}

	token := uuid.NewString()
	acquired, err := m.locker.Acquire(ctx, lockKey(identity), token, m.ttl)
	if err != nil {
		return Reply{}, fmt.Errorf("lock interview: %w", err)
	}
	if !acquired {
		return Reply{}, ErrInterviewInProgress
	}

	st := &state{
		identity: identity,
		owner:    ownerID,
		token:    token,
		step:     StepAPIID,
		touched:  m.now(),
	}
	m.byIdentity[identity] = st
	m.byOwner[ownerID] = st

	m.logger.WithFields(logging.Fields{
		"event":    "session_interview_started",
		"identity": identity,
		"owner_id": ownerID,
	}).Info("session interview started")

	return Reply{Identity: identity, Step: StepAPIID, Text: prompt(StepAPIID)}, nil
}

// expireLocked drops interviews idle for longer than the TTL. m.mu must be held.
func (m *Manager) expireLocked(ctx context.Context) {
	cutoff := m.now().Add(-m.ttl)
	for identity, st := range m.byIdentity {
		if !st.mu.TryLock() {
			continue
		}
		if st.touched.Before(cutoff) {
			m.dropLocked(ctx, st)
			m.logger.WithFields(logging.Fields{"event": "session_interview_expired", "identity": identity}).Info("session interview expired")
		}
		st.mu.Unlock()
	}
}

// dropLocked wipes st and releases its lock. m.mu and st.mu must be held.
func (m *Manager) dropLocked(ctx context.Context, st *state) {
	if m.byIdentity[st.identity] == st {
		delete(m.byIdentity, st.identity)
	}
	if m.byOwner[st.owner] == st {
		delete(m.byOwner, st.owner)
	}
	st.wipe()

	if err := m.locker.Release(ctx, lockKey(st.identity), st.token); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{"event": "interview_unlock_failed", "identity": st.identity}).Warn("could not release interview lock")
	}
}

func (m *Manager) drop(ctx context.Context, st *state) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(ctx, st)
}

// Active reports the step of the interview running for identity.
func (m *Manager) Active(identity string) (Step, bool) {
	m.mu.Lock()
	st, ok := m.byIdentity[identity]
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.step, !st.closed
}

// InProgress reports whether ownerID is in the middle of an interview.
func (m *Manager) InProgress(ownerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byOwner[ownerID]
	return ok
}

// Cancel abandons the interview of ownerID and forgets everything it collected.
func (m *Manager) Cancel(ctx context.Context, ownerID int64) (Reply, error) {
	m.mu.Lock()
	st, ok := m.byOwner[ownerID]
	m.mu.Unlock()
	if !ok {
		return Reply{}, ErrNoInterview
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return Reply{}, ErrNoInterview
	}

	identity := st.identity
	m.drop(ctx, st)

	m.logger.WithFields(logging.Fields{"event": "session_interview_cancelled", "identity": identity}).Info("session interview cancelled")
	return Reply{Identity: identity, Text: "Session setup cancelled.", Aborted: true}, nil
}

// Handle feeds the next admin message into the interview of ownerID.
func (m *Manager) Handle(ctx context.Context, ownerID int64, input string) (Reply, error) {
	m.mu.Lock()
	st, ok := m.byOwner[ownerID]
	m.mu.Unlock()
	if !ok {
		return Reply{}, ErrNoInterview
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return Reply{}, ErrNoInterview
	}
	st.touched = m.now()

	input = strings.TrimSpace(input)
	logger := m.logger.WithFields(logging.Fields{"identity": st.identity, "step": st.step})

	held, err := m.locker.Refresh(ctx, lockKey(st.identity), st.token, m.ttl)
	if err != nil {
		return Reply{}, fmt.Errorf("refresh interview lock: %w", err)
	}
	if !held {
		return m.abort(ctx, st, logger, ErrLockLost), nil
	}

	switch st.step {
	case StepAPIID:
		if !digitsPattern.MatchString(input) {
			return m.reprompt(st, "API ID must contain digits only."), nil
		}
		if _, err := strconv.Atoi(input); err != nil {
			return m.reprompt(st, "API ID is out of range."), nil
		}
		st.apiID = input
		return m.advance(st, StepAPIHash), nil

	case StepAPIHash:
		if len(input) < minAPIHashLength {
			return m.reprompt(st, fmt.Sprintf("API hash looks too short (at least %d characters).", minAPIHashLength)), nil
		}
		st.apiHash = input
		return m.advance(st, StepPhone), nil

	case StepPhone:
		phone := strings.NewReplacer(" ", "", "-", "").Replace(input)
		if !phonePattern.MatchString(phone) {
			return m.reprompt(st, "Phone number must have 10 to 15 digits, optionally starting with +."), nil
		}
		apiID, _ := strconv.Atoi(st.apiID)
		login, err := m.transport.SendCode(ctx, Credentials{APIID: apiID, APIHash: st.apiHash, Phone: phone})
		if err != nil {
			return m.abort(ctx, st, logger, err), nil
		}
		st.phone = phone
		st.login = login
		return m.advance(st, StepCode), nil

	case StepCode:
		// Codes pasted verbatim into a chat get invalidated by Telegram, so
		// admins often type them with separators.
		code := strings.NewReplacer(" ", "", "-", "", ".", "").Replace(input)
		if !codePattern.MatchString(code) {
			return m.reprompt(st, "The code has 5 or 6 digits."), nil
		}
		sessionString, err := st.login.SignIn(ctx, code)
		if errors.Is(err, ErrPasswordRequired) {
			return m.advance(st, StepPassword), nil
		}
		if err != nil {
			return m.abort(ctx, st, logger, err), nil
		}
		return m.complete(ctx, st, logger, sessionString)

	case StepPassword:
		if input == "" {
			return m.reprompt(st, "Password cannot be empty."), nil
		}
		sessionString, err := st.login.CheckPassword(ctx, input)
		if err != nil {
			return m.abort(ctx, st, logger, err), nil
		}
		return m.complete(ctx, st, logger, sessionString)
	}

	return Reply{}, ErrNoInterview
}

func (m *Manager) reprompt(st *state, problem string) Reply {
	return Reply{Identity: st.identity, Step: st.step, Text: problem + " " + prompt(st.step)}
}

func (m *Manager) advance(st *state, next Step) Reply {
	st.step = next
	return Reply{Identity: st.identity, Step: next, Text: prompt(next)}
}

func (m *Manager) abort(ctx context.Context, st *state, logger *logrus.Entry, cause error) Reply {
	identity := st.identity
	m.drop(ctx, st)

	logger.WithError(cause).WithField("event", "session_interview_aborted").Warn("session interview aborted")
	return Reply{
		Identity: identity,
		Text:     fmt.Sprintf("Session setup aborted: %v. Start again with /session.", cause),
		Aborted:  true,
	}
}

func (m *Manager) complete(ctx context.Context, st *state, logger *logrus.Entry, sessionString string) (Reply, error) {
	identity := st.identity
	sealed, err := m.sealer.EncryptFields(domain.UserbotSession{
		Identity:      identity,
		APIID:         st.apiID,
		APIHash:       st.apiHash,
		PhoneNumber:   st.phone,
		SessionString: sessionString,
		IsActive:      true,
	})
	if err != nil {
		m.drop(ctx, st)
		return Reply{Identity: identity, Text: "Session setup failed while securing credentials.", Aborted: true}, fmt.Errorf("encrypt session: %w", err)
	}

	if _, err := m.sessions.Upsert(ctx, sealed); err != nil {
		m.drop(ctx, st)
		return Reply{Identity: identity, Text: "Session setup failed while saving.", Aborted: true}, fmt.Errorf("store session: %w", err)
	}

	owner := st.owner
	m.drop(ctx, st)

	logger.WithField("event", domain.ActionSessionConnected).Info("userbot session stored")
	if m.activity != nil {
		if _, err := m.activity.Append(ctx, domain.ActivityLog{
			UserID:      owner,
			Action:      domain.ActionSessionConnected,
			Description: fmt.Sprintf("userbot session %s connected", identity),
		}); err != nil {
			logger.WithError(err).WithField("event", "activity_append_failed").Warn("could not write activity log")
		}
	}

	return Reply{Identity: identity, Step: StepComplete, Text: prompt(StepComplete), Done: true}, nil
}

func prompt(step Step) string {
	switch step {
	case StepAPIID:
		return "Send the API ID from my.telegram.org."
	case StepAPIHash:
		return "Send the API hash."
	case StepPhone:
		return "Send the phone number of the account, e.g. +15551234567."
	case StepCode:
		return "Send the login code Telegram just sent. Type it with spaces, e.g. 1 2 3 4 5."
	case StepPassword:
		return "The account has two-step verification. Send its password."
	case StepComplete:
		return "Session connected and saved."
	}
	return ""
}
