package telegram

import (
	"context"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/feature/user"
	"tg_group_market_bot/internal/interview"
	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/store"
	"tg_group_market_bot/internal/withdrawal"
)

type fakeBot struct {
	mu          sync.Mutex
	startedWith context.Context
	sent        []*bot.SendMessageParams
	answered    []string
	deleted     []int
	sendErr     error
}

func (f *fakeBot) Start(ctx context.Context) {
	f.startedWith = ctx
}

func (f *fakeBot) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, params)
	return &models.Message{ID: len(f.sent)}, nil
}

func (f *fakeBot) AnswerCallbackQuery(_ context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	f.answered = append(f.answered, params.CallbackQueryID)
	return true, nil
}

func (f *fakeBot) DeleteMessage(_ context.Context, params *bot.DeleteMessageParams) (bool, error) {
	f.deleted = append(f.deleted, params.MessageID)
	return true, nil
}

func (f *fakeBot) GetChatMember(context.Context, *bot.GetChatMemberParams) (*models.ChatMember, error) {
	return &models.ChatMember{Type: models.ChatMemberTypeMember}, nil
}

func (f *fakeBot) lastText() string {
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Text
}

type fakeUsers struct {
	profiles []user.Profile
}

func (f *fakeUsers) EnsureUser(_ context.Context, p user.Profile) (bool, error) {
	f.profiles = append(f.profiles, p)
	return true, nil
}

type fakeAccounts struct {
	users map[int64]domain.User
}

func (f *fakeAccounts) GetByID(_ context.Context, id int64) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (f *fakeAccounts) ListAdmins(context.Context) ([]domain.User, error) {
	var admins []domain.User
	for _, u := range f.users {
		if u.IsAdmin {
			admins = append(admins, u)
		}
	}
	return admins, nil
}

func (f *fakeAccounts) SetChannelVerified(_ context.Context, id int64, verified bool) (domain.User, error) {
	u := f.users[id]
	u.ChannelVerified = verified
	f.users[id] = u
	return u, nil
}

type fakeSubmissions struct {
	subs []domain.Submission
}

func (f *fakeSubmissions) ListByUser(context.Context, int64) ([]domain.Submission, error) {
	return f.subs, nil
}

type fakeLifecycle struct {
	submitted []string
	confirmed []string
	retried   []lifecycle.Actor
	outcome   lifecycle.Outcome
	err       error
}

func (f *fakeLifecycle) Submit(_ context.Context, _ int64, text string) ([]lifecycle.Outcome, error) {
	f.submitted = append(f.submitted, text)
	if f.err != nil {
		return nil, f.err
	}
	return []lifecycle.Outcome{f.outcome}, nil
}

func (f *fakeLifecycle) ConfirmOwnership(_ context.Context, id string, _ int64) (lifecycle.Outcome, error) {
	f.confirmed = append(f.confirmed, id)
	return f.outcome, f.err
}

func (f *fakeLifecycle) Retry(_ context.Context, _ string, actor lifecycle.Actor) (lifecycle.Outcome, error) {
	f.retried = append(f.retried, actor)
	return f.outcome, f.err
}

type fakeWithdrawals struct {
	method, details string
}

func (f *fakeWithdrawals) Request(_ context.Context, _ int64, method, details string) (withdrawal.Outcome, error) {
	if method == "" || details == "" {
		return withdrawal.Outcome{}, withdrawal.ErrInvalidRequest
	}
	f.method, f.details = method, details
	return withdrawal.Outcome{Kind: withdrawal.KindRequested, Message: "withdrawal requested"}, nil
}

type fakeInterviews struct {
	active  map[int64]bool
	inputs  []string
	started []string
}

func (f *fakeInterviews) Start(_ context.Context, identity string, owner int64) (interview.Reply, error) {
	if f.active[owner] {
		return interview.Reply{}, interview.ErrOwnerBusy
	}
	f.active[owner] = true
	f.started = append(f.started, identity)
	return interview.Reply{Identity: identity, Step: interview.StepAPIID, Text: "send api id"}, nil
}

func (f *fakeInterviews) Handle(_ context.Context, _ int64, input string) (interview.Reply, error) {
	f.inputs = append(f.inputs, input)
	return interview.Reply{Text: "next step"}, nil
}

func (f *fakeInterviews) Cancel(_ context.Context, owner int64) (interview.Reply, error) {
	if !f.active[owner] {
		return interview.Reply{}, interview.ErrNoInterview
	}
	delete(f.active, owner)
	return interview.Reply{Text: "cancelled", Aborted: true}, nil
}

func (f *fakeInterviews) InProgress(owner int64) bool {
	return f.active[owner]
}

type fakeSessions struct{}

func (fakeSessions) List(context.Context) ([]domain.UserbotSession, error) {
	return []domain.UserbotSession{{Identity: domain.IdentityPrimary, IsActive: true}}, nil
}

type fakeStats struct{}

func (fakeStats) Snapshot(context.Context) (store.Stats, error) {
	return store.Stats{Users: 3, Submissions: map[domain.SubmissionStatus]int64{domain.StatusApproved: 2}}, nil
}

type fakeSettings struct {
	settings domain.BotSettings
}

func (f fakeSettings) Get(context.Context) (domain.BotSettings, error) {
	return f.settings, nil
}
