package userbot

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"tg_group_market_bot/internal/interview"
)

// SendCode starts a sign-in for a new session and asks Telegram for a code.
func (c *Client) SendCode(ctx context.Context, creds interview.Credentials) (interview.Login, error) {
	storage := newMemoryStorage("")

	var codeHash string
	err := runClient(ctx, creds.APIID, creds.APIHash, storage, func(ctx context.Context, client *telegram.Client) error {
		sent, err := client.Auth().SendCode(ctx, creds.Phone, auth.SendCodeOptions{})
		if err != nil {
			return err
		}
		code, ok := sent.(*tg.AuthSentCode)
		if !ok {
			return fmt.Errorf("unexpected sent code response %T", sent)
		}
		codeHash = code.PhoneCodeHash
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithField("event", "userbot_code_sent").Info("login code requested")
	return &login{creds: creds, storage: storage, codeHash: codeHash}, nil
}

// login keeps the auth key from SendCode so the code is checked on the same
// key it was issued for.
type login struct {
	creds    interview.Credentials
	storage  *memoryStorage
	codeHash string
}

func (l *login) SignIn(ctx context.Context, code string) (string, error) {
	err := runClient(ctx, l.creds.APIID, l.creds.APIHash, l.storage, func(ctx context.Context, client *telegram.Client) error {
		_, err := client.Auth().SignIn(ctx, l.creds.Phone, code, l.codeHash)
		return err
	})
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return "", interview.ErrPasswordRequired
	}
	if err != nil {
		return "", err
	}
	return l.session()
}

func (l *login) CheckPassword(ctx context.Context, password string) (string, error) {
	err := runClient(ctx, l.creds.APIID, l.creds.APIHash, l.storage, func(ctx context.Context, client *telegram.Client) error {
		_, err := client.Auth().Password(ctx, password)
		return err
	})
	if err != nil {
		return "", err
	}
	return l.session()
}

func (l *login) session() (string, error) {
	data, _ := l.storage.snapshot()
	if data == "" {
		return "", errors.New("telegram returned no session")
	}
	return data, nil
}
