package userbot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/secret"
)

type memSessions struct {
	mu        sync.Mutex
	sessions  map[string]domain.UserbotSession
	touched   []string
	refreshed map[string]string
}

func (m *memSessions) Get(_ context.Context, identity string) (domain.UserbotSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	if !ok {
		return domain.UserbotSession{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSessions) SetActive(_ context.Context, identity string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[identity]
	s.IsActive = active
	m.sessions[identity] = s
	return nil
}

func (m *memSessions) Touch(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, identity)
	return nil
}

func (m *memSessions) StoreSessionString(_ context.Context, identity, encrypted string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshed == nil {
		m.refreshed = make(map[string]string)
	}
	m.refreshed[identity] = encrypted
	return nil
}

func newTestClient(t *testing.T, sessions ...domain.UserbotSession) (*Client, *memSessions, *secret.Cipher, *test.Hook) {
	t.Helper()

	cipher, err := secret.NewCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewCipher returned error: %v", err)
	}

	store := &memSessions{sessions: make(map[string]domain.UserbotSession)}
	for _, s := range sessions {
		sealed, err := cipher.EncryptFields(s)
		if err != nil {
			t.Fatalf("EncryptFields returned error: %v", err)
		}
		store.sessions[s.Identity] = sealed
	}

	logger, hook := test.NewNullLogger()
	client, err := NewClient(store, cipher, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client, store, cipher, hook
}

func stubRun(t *testing.T, fn func(appID int, appHash string, storage session.Storage) error) {
	t.Helper()
	original := runClient
	runClient = func(ctx context.Context, appID int, appHash string, storage session.Storage, _ func(context.Context, *telegram.Client) error) error {
		return fn(appID, appHash, storage)
	}
	t.Cleanup(func() { runClient = original })
}

func activeSession(identity string) domain.UserbotSession {
	return domain.UserbotSession{
		Identity:      identity,
		APIID:         "12345",
		APIHash:       "0123456789abcdef",
		PhoneNumber:   "+15551234567",
		SessionString: `{"Version":1}`,
		IsActive:      true,
	}
}

func TestJoinGroupWithoutSession(t *testing.T) {
	inactive := activeSession(domain.IdentitySecondary)
	inactive.IsActive = false
	client, _, _, _ := newTestClient(t, inactive)

	stubRun(t, func(int, string, session.Storage) error {
		t.Fatalf("expected no connection without an active session")
		return nil
	})

	for _, identity := range []string{domain.IdentityPrimary, domain.IdentitySecondary} {
		_, err := client.JoinGroup(context.Background(), identity, "https://t.me/+AbCdEf123")
		if !errors.Is(err, lifecycle.ErrNoSession) {
			t.Fatalf("%s: expected ErrNoSession, got %v", identity, err)
		}
	}
}

func TestJoinGroupRejectsNonInviteLink(t *testing.T) {
	client, _, _, _ := newTestClient(t, activeSession(domain.IdentityPrimary))

	if _, err := client.JoinGroup(context.Background(), domain.IdentityPrimary, "https://t.me/durov"); !errors.Is(err, lifecycle.ErrInviteInvalid) {
		t.Fatalf("expected ErrInviteInvalid, got %v", err)
	}
}

func TestSessionDeactivatedOnAuthFailure(t *testing.T) {
	client, store, _, hook := newTestClient(t, activeSession(domain.IdentityPrimary))

	stubRun(t, func(appID int, appHash string, _ session.Storage) error {
		if appID != 12345 || appHash != "0123456789abcdef" {
			t.Fatalf("expected decrypted credentials, got %d %q", appID, appHash)
		}
		return tgerr.New(401, "AUTH_KEY_UNREGISTERED")
	})

	_, err := client.CheckOwnership(context.Background(), domain.IdentityPrimary, lifecycle.GroupRef{ID: 1, IsChannel: true})
	if !errors.Is(err, lifecycle.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if store.sessions[domain.IdentityPrimary].IsActive {
		t.Fatalf("expected session to be deactivated")
	}

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Data["event"] == "userbot_session_deactivated" {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("expected deactivation log event")
	}
}

func TestSessionRefreshIsSealedAndTouched(t *testing.T) {
	client, store, cipher, _ := newTestClient(t, activeSession(domain.IdentityPrimary))

	stubRun(t, func(_ int, _ string, storage session.Storage) error {
		data, err := storage.LoadSession(context.Background())
		if err != nil || string(data) != `{"Version":1}` {
			t.Fatalf("expected stored session to be loaded, got %q %v", data, err)
		}
		return storage.StoreSession(context.Background(), []byte(`{"Version":2}`))
	})

	if _, err := client.CheckOwnership(context.Background(), domain.IdentityPrimary, lifecycle.GroupRef{ID: 1}); err != nil {
		t.Fatalf("CheckOwnership returned error: %v", err)
	}

	sealed := store.refreshed[domain.IdentityPrimary]
	if sealed == "" || sealed == `{"Version":2}` {
		t.Fatalf("expected refreshed session to be sealed, got %q", sealed)
	}
	plain, err := cipher.Decrypt(sealed)
	if err != nil || plain != `{"Version":2}` {
		t.Fatalf("expected refreshed session, got %q %v", plain, err)
	}
	if len(store.touched) != 1 {
		t.Fatalf("expected last_used to be touched once, got %v", store.touched)
	}
}

func TestDefaultAppFillsMissingCredentials(t *testing.T) {
	bare := activeSession(domain.IdentityPrimary)
	bare.APIID = ""
	bare.APIHash = ""
	client, _, _, _ := newTestClient(t, bare)

	stubRun(t, func(int, string, session.Storage) error {
		t.Fatalf("expected no connection without app credentials")
		return nil
	})
	if _, err := client.CheckOwnership(context.Background(), domain.IdentityPrimary, lifecycle.GroupRef{ID: 1}); !errors.Is(err, lifecycle.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	client.SetDefaultApp(777, "fallbackhash0000")
	stubRun(t, func(appID int, appHash string, _ session.Storage) error {
		if appID != 777 || appHash != "fallbackhash0000" {
			t.Fatalf("expected fallback app credentials, got %d %q", appID, appHash)
		}
		return nil
	})
	if _, err := client.CheckOwnership(context.Background(), domain.IdentityPrimary, lifecycle.GroupRef{ID: 1}); err != nil {
		t.Fatalf("CheckOwnership returned error: %v", err)
	}
}

func TestMemoryStorage(t *testing.T) {
	storage := newMemoryStorage("")
	if _, err := storage.LoadSession(context.Background()); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty storage, got %v", err)
	}
	if _, changed := storage.snapshot(); changed {
		t.Fatalf("expected fresh storage to be unchanged")
	}
}

func TestDescribeChat(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	channel := &tg.Channel{ID: 10, AccessHash: 99, Title: "Megagroup", Date: int(at.Add(-time.Minute).Unix())}
	channel.SetParticipantsCount(120)

	info, err := describeChat(channel, at)
	if err != nil {
		t.Fatalf("describeChat returned error: %v", err)
	}
	if info.ID != 10 || info.AccessHash != 99 || !info.IsChannel || info.Title != "Megagroup" {
		t.Fatalf("unexpected channel info: %+v", info)
	}
	if info.MemberCount != 120 {
		t.Fatalf("expected 120 members, got %d", info.MemberCount)
	}

	created := at.AddDate(0, 0, -400)
	chat, err := describeChat(&tg.Chat{ID: 20, Title: "Basic", Date: int(created.Unix()), ParticipantsCount: 3}, at)
	if err != nil {
		t.Fatalf("describeChat returned error: %v", err)
	}
	if chat.IsChannel || chat.AgeDays != 400 || chat.MemberCount != 3 {
		t.Fatalf("unexpected chat info: %+v", chat)
	}

	if _, err := describeChat(&tg.ChatForbidden{ID: 30}, at); err == nil {
		t.Fatalf("expected forbidden chat to fail")
	}
}

func TestChannelCreatedReadsOldestMessage(t *testing.T) {
	created := time.Date(2021, 3, 14, 9, 0, 0, 0, time.UTC)
	joined := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ref := lifecycle.GroupRef{ID: 10, AccessHash: 99, IsChannel: true}

	var request *tg.MessagesGetHistoryRequest
	history := func(_ context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		request = req
		return &tg.MessagesChannelMessages{
			Count: 500,
			Messages: []tg.MessageClass{
				&tg.MessageService{ID: 1, Date: int(created.Unix()), Action: &tg.MessageActionChannelCreate{Title: "Megagroup"}},
				&tg.MessageEmpty{ID: 2},
				&tg.Message{ID: 3, Date: int(joined.Unix())},
			},
		}, nil
	}

	got, err := channelCreated(context.Background(), history, ref)
	if err != nil {
		t.Fatalf("channelCreated returned error: %v", err)
	}
	if !got.Equal(created) {
		t.Fatalf("expected creation date %v, got %v", created, got)
	}
	if ageDays(got, joined) < 30 {
		t.Fatalf("expected an old channel, got %d days", ageDays(got, joined))
	}

	peer, ok := request.Peer.(*tg.InputPeerChannel)
	if !ok || peer.ChannelID != 10 || peer.AccessHash != 99 {
		t.Fatalf("unexpected peer %#v", request.Peer)
	}
	if request.OffsetID != 1 || request.AddOffset != -1 || request.Limit != 1 {
		t.Fatalf("expected a first-message lookup, got %+v", request)
	}
}

func TestChannelCreatedFailures(t *testing.T) {
	ref := lifecycle.GroupRef{ID: 10, IsChannel: true}

	failing := func(context.Context, *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		return nil, tgerr.New(400, "CHANNEL_PRIVATE")
	}
	if _, err := channelCreated(context.Background(), failing, ref); err == nil {
		t.Fatalf("expected rpc error to surface")
	}

	empty := func(context.Context, *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		return &tg.MessagesChannelMessages{Messages: []tg.MessageClass{&tg.MessageEmpty{ID: 1}}}, nil
	}
	if _, err := channelCreated(context.Background(), empty, ref); err == nil {
		t.Fatalf("expected empty history to fail")
	}
}

func TestFirstChat(t *testing.T) {
	updates := &tg.Updates{Chats: []tg.ChatClass{&tg.ChatForbidden{ID: 1}, &tg.Channel{ID: 2}}}
	chat := firstChat(updates)
	if channel, ok := chat.(*tg.Channel); !ok || channel.ID != 2 {
		t.Fatalf("expected the channel, got %#v", chat)
	}
	if firstChat(&tg.UpdatesTooLong{}) != nil {
		t.Fatalf("expected no chat")
	}
}

func TestCountMessages(t *testing.T) {
	tests := []struct {
		history tg.MessagesMessagesClass
		want    int
	}{
		{&tg.MessagesMessages{Messages: []tg.MessageClass{&tg.Message{}, &tg.Message{}}}, 2},
		{&tg.MessagesMessagesSlice{Count: 340}, 340},
		{&tg.MessagesChannelMessages{Count: 12}, 12},
	}
	for _, tt := range tests {
		if got := countMessages(tt.history); got != tt.want {
			t.Fatalf("countMessages(%T) = %d, want %d", tt.history, got, tt.want)
		}
	}
}

func TestMapJoinError(t *testing.T) {
	tests := []struct {
		rpc  string
		want error
	}{
		{"INVITE_HASH_EXPIRED", lifecycle.ErrInviteExpired},
		{"INVITE_HASH_INVALID", lifecycle.ErrInviteInvalid},
		{"INVITE_REQUEST_SENT", lifecycle.ErrJoinRequest},
	}
	for _, tt := range tests {
		if err := mapJoinError(tgerr.New(400, tt.rpc)); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.rpc, tt.want, err)
		}
	}

	other := mapJoinError(tgerr.New(400, "CHANNELS_TOO_MUCH"))
	for _, known := range []error{lifecycle.ErrInviteExpired, lifecycle.ErrInviteInvalid, lifecycle.ErrJoinRequest} {
		if errors.Is(other, known) {
			t.Fatalf("expected generic error, got %v", other)
		}
	}
}

func TestIsCreator(t *testing.T) {
	chats := []tg.ChatClass{&tg.Channel{ID: 1, Creator: false}, &tg.Channel{ID: 2, Creator: true}}
	if !isCreator(chats, 2) {
		t.Fatalf("expected creator")
	}
	if isCreator(chats, 1) || isCreator(chats, 3) {
		t.Fatalf("expected non-creator")
	}
	if !isCreator([]tg.ChatClass{&tg.Chat{ID: 5, Creator: true}}, 5) {
		t.Fatalf("expected basic group creator")
	}
}
