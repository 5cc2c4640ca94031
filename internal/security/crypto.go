// Package security seals session data at rest.
// Every installation has a random local secret stored under home/keys/. The
// sealing key is derived from it with PBKDF2, optionally mixed with an
// operator passphrase, and used with XChaCha20-Poly1305.
package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	secretSize = 32
	saltSize   = 16
	// Iterations is the PBKDF2 work factor.
	Iterations = 210_000
)

// ErrOpen is returned when sealed data cannot be authenticated.
var ErrOpen = errors.New("sealed data could not be opened")

// Sealer encrypts and authenticates small blobs.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a sealing key from secret and passphrase.
func NewSealer(secret, salt, passphrase []byte) (*Sealer, error) {
	if len(secret) < secretSize {
		return nil, fmt.Errorf("secret too short: %d bytes", len(secret))
	}
	material := append(append([]byte{}, passphrase...), secret...)
	key := pbkdf2.Key(material, salt, Iterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// LoadOrCreateSealer loads the local secret from home/keys/session.key, or
// generates one on first run. The key file is written with mode 0600.
func LoadOrCreateSealer(home string, passphrase []byte) (*Sealer, error) {
	keyDir := filepath.Join(home, "keys")
	keyPath := filepath.Join(keyDir, "session.key")

	raw, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode session key: %w", err)
		}
		if len(b) != saltSize+secretSize {
			return nil, fmt.Errorf("session key %s: unexpected length %d", keyPath, len(b))
		}
		return NewSealer(b[saltSize:], b[:saltSize], passphrase)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read session key: %w", err)
	}

	b := make([]byte, saltSize+secretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Lost a race with another process; use its key.
		return LoadOrCreateSealer(home, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("write session key: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(b)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write session key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write session key: %w", err)
	}
	return NewSealer(b[saltSize:], b[:saltSize], passphrase)
}

// Seal encrypts plaintext bound to aad. The nonce is prepended.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. Tampered data, the wrong key or the wrong aad all
// fail with ErrOpen.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrOpen)
	}
	out, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return out, nil
}
