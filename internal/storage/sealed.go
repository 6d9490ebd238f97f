package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrSealed is returned when a stored value cannot be decrypted.
var ErrSealed = errors.New("storage: cannot open sealed value")

const sealedInfo = "storesync/storage/v1"

// Sealed encrypts values with XChaCha20-Poly1305 before handing them to the
// wrapped store. The key name is bound as associated data so a value cannot be
// moved between keys.
type Sealed struct {
	inner KV
	aead  cipher.AEAD
}

// NewSealed derives a 256-bit key from secret and wraps inner.
func NewSealed(inner KV, secret string) (*Sealed, error) {
	if secret == "" {
		return nil, fmt.Errorf("storage: empty encryption key")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealedInfo)), key); err != nil {
		return nil, fmt.Errorf("storage: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("storage: init cipher: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func (s *Sealed) GetItem(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.inner.GetItem(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", false, fmt.Errorf("%w: %s: %v", ErrSealed, key, err)
	}
	ns := s.aead.NonceSize()
	if len(data) < ns {
		return "", false, fmt.Errorf("%w: %s: short value", ErrSealed, key)
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(key))
	if err != nil {
		return "", false, fmt.Errorf("%w: %s: %v", ErrSealed, key, err)
	}
	return string(plain), true, nil
}

func (s *Sealed) SetItem(ctx context.Context, key, value string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("storage: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return s.inner.SetItem(ctx, key, base64.StdEncoding.EncodeToString(sealed))
}

func (s *Sealed) RemoveItem(ctx context.Context, key string) error {
	return s.inner.RemoveItem(ctx, key)
}

func (s *Sealed) Close() error {
	return s.inner.Close()
}
