package backend

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

// ErrUnseal is returned when a stored token cannot be opened with the configured key.
var ErrUnseal = errors.New("cannot unseal stored token")

// Sealer encrypts tokens at rest. A Sealer without a key stores plaintext.
type Sealer struct {
	key *[32]byte
}

// NewSealer derives a secretbox key from the passphrase. An empty passphrase
// disables sealing.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return &Sealer{}, nil
	}
	var key [32]byte
	h := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("banquet-token-key"))
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &Sealer{key: &key}, nil
}

// Enabled reports whether tokens are encrypted.
func (s *Sealer) Enabled() bool {
	return s != nil && s.key != nil
}

// Seal encrypts plaintext. Empty strings stay empty.
func (s *Sealer) Seal(plain string) (string, error) {
	if !s.Enabled() || plain == "" {
		return plain, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, s.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal. Unsealed values pass through.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if !s.Enabled() {
		return "", fmt.Errorf("%w: no key configured", ErrUnseal)
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", ErrUnseal
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, s.key)
	if !ok {
		return "", ErrUnseal
	}
	return string(plain), nil
}
