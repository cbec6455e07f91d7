// Package userbot drives the operator's Telegram user accounts over MTProto.
package userbot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tgerr"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/logging"
)

// SessionStore is the persistence of userbot sessions.
type SessionStore interface {
	Get(ctx context.Context, identity string) (domain.UserbotSession, error)
	SetActive(ctx context.Context, identity string, active bool) error
	Touch(ctx context.Context, identity string) error
	StoreSessionString(ctx context.Context, identity, encrypted string) error
}

// Cipher opens stored credentials and seals refreshed session strings.
type Cipher interface {
	DecryptFields(s domain.UserbotSession) (domain.UserbotSession, error)
	Encrypt(plain string) (string, error)
}

// runClient connects with the given credentials and runs fn while the
// connection is up. Tests replace it.
var runClient = func(ctx context.Context, appID int, appHash string, storage session.Storage, fn func(ctx context.Context, client *telegram.Client) error) error {
	client := telegram.NewClient(appID, appHash, telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
	})
	return client.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, client)
	})
}

// Client implements the lifecycle and interview transports on top of gotd.
type Client struct {
	sessions SessionStore
	cipher   Cipher
	logger   *logrus.Entry

	// fallback app credentials for sessions stored without their own
	appID   int
	appHash string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewClient constructs a Client.
func NewClient(sessions SessionStore, cipher Cipher, logger *logrus.Entry) (*Client, error) {
	if sessions == nil || cipher == nil {
		return nil, errors.New("session store and cipher are required")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &Client{
		sessions: sessions,
		cipher:   cipher,
		logger:   logger.WithField("component", "userbot"),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// SetDefaultApp sets the MTProto app used when a stored session lacks
// api_id or api_hash.
func (c *Client) SetDefaultApp(appID int, appHash string) {
	c.appID = appID
	c.appHash = appHash
}

func (c *Client) lock(identity string) func() {
	c.mu.Lock()
	l, ok := c.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		c.locks[identity] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// withSession runs fn as identity. Calls for one identity are serialized
// because they share one stored session.
func (c *Client) withSession(ctx context.Context, identity string, fn func(ctx context.Context, client *telegram.Client) error) error {
	unlock := c.lock(identity)
	defer unlock()

	logger := c.logger.WithFields(logging.Context{Identity: identity}.Fields())

	stored, err := c.sessions.Get(ctx, identity)
	if errors.Is(err, domain.ErrNotFound) {
		return lifecycle.ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !stored.IsActive {
		return lifecycle.ErrNoSession
	}

	creds, err := c.cipher.DecryptFields(stored)
	if err != nil {
		logger.WithError(err).WithField("event", "userbot_session_unreadable").Error("stored session cannot be decrypted")
		return fmt.Errorf("%w: stored credentials unreadable", lifecycle.ErrNoSession)
	}
	appID, appHash, ok := c.app(creds)
	if !ok || creds.SessionString == "" {
		return fmt.Errorf("%w: stored credentials incomplete", lifecycle.ErrNoSession)
	}

	storage := newMemoryStorage(creds.SessionString)
	runErr := runClient(ctx, appID, appHash, storage, fn)

	if isAuthFailure(runErr) {
		c.deactivate(ctx, identity, runErr, logger)
		return fmt.Errorf("%w: %v", lifecycle.ErrNoSession, runErr)
	}

	if data, changed := storage.snapshot(); changed && data != "" {
		if sealed, err := c.cipher.Encrypt(data); err != nil {
			logger.WithError(err).WithField("event", "userbot_session_seal_failed").Warn("could not seal refreshed session")
		} else if err := c.sessions.StoreSessionString(ctx, identity, sealed); err != nil {
			logger.WithError(err).WithField("event", "userbot_session_store_failed").Warn("could not store refreshed session")
		}
	}
	if err := c.sessions.Touch(ctx, identity); err != nil {
		logger.WithError(err).WithField("event", "userbot_session_touch_failed").Debug("could not update last_used")
	}

	return runErr
}

func (c *Client) app(creds domain.UserbotSession) (int, string, bool) {
	appID, err := strconv.Atoi(creds.APIID)
	if err != nil || appID <= 0 {
		appID = c.appID
	}
	appHash := creds.APIHash
	if appHash == "" {
		appHash = c.appHash
	}
	return appID, appHash, appID > 0 && appHash != ""
}

func (c *Client) deactivate(ctx context.Context, identity string, cause error, logger *logrus.Entry) {
	logger.WithError(cause).WithField("event", "userbot_session_deactivated").Warn("userbot session rejected by Telegram, deactivating")
	if err := c.sessions.SetActive(ctx, identity, false); err != nil {
		logger.WithError(err).WithField("event", "userbot_session_deactivate_failed").Error("could not deactivate session")
	}
}

var errNotAuthorized = errors.New("session is not authorized")

// isAuthFailure reports errors that mean the stored session is no longer usable.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errNotAuthorized) {
		return true
	}
	return tgerr.Is(err,
		"AUTH_KEY_UNREGISTERED",
		"AUTH_KEY_INVALID",
		"AUTH_KEY_DUPLICATED",
		"SESSION_REVOKED",
		"SESSION_EXPIRED",
		"USER_DEACTIVATED",
		"USER_DEACTIVATED_BAN",
	)
}

func ensureAuthorized(ctx context.Context, client *telegram.Client) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized {
		return errNotAuthorized
	}
	return nil
}
