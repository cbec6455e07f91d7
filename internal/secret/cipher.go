// Package secret encrypts userbot credentials at rest.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"tg_group_market_bot/internal/domain"
)

// MinSecretLength is the shortest accepted master secret.
const MinSecretLength = 32

const keyInfo = "userbot-session-fields/v1"

var (
	// ErrShortSecret is returned for a master secret below MinSecretLength.
	ErrShortSecret = fmt.Errorf("secret must be at least %d characters", MinSecretLength)
	// ErrMalformed is returned when ciphertext cannot be decoded or opened.
	ErrMalformed = errors.New("malformed ciphertext")
)

// Cipher seals short strings with XChaCha20-Poly1305 under a key derived from
// the master secret.
type Cipher struct {
	aead   cipher.AEAD
	random io.Reader
}

// NewCipher derives the field key from secret.
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	return &Cipher{aead: aead, random: rand.Reader}, nil
}

// Encrypt returns base64(nonce || ciphertext). An empty input stays empty.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", ErrMalformed
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrMalformed
	}

	return string(plain), nil
}

// EncryptFields returns s with every credential field sealed.
func (c *Cipher) EncryptFields(s domain.UserbotSession) (domain.UserbotSession, error) {
	return c.mapFields(s, c.Encrypt)
}

// DecryptFields returns s with every credential field opened.
func (c *Cipher) DecryptFields(s domain.UserbotSession) (domain.UserbotSession, error) {
	return c.mapFields(s, c.Decrypt)
}

func (c *Cipher) mapFields(s domain.UserbotSession, fn func(string) (string, error)) (domain.UserbotSession, error) {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"api_id", &s.APIID},
		{"api_hash", &s.APIHash},
		{"phone_number", &s.PhoneNumber},
		{"session_string", &s.SessionString},
	}

	for _, f := range fields {
		out, err := fn(*f.ptr)
		if err != nil {
			return domain.UserbotSession{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = out
	}

	return s, nil
}
