package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealPrefix = "sb1:"

var (
	ErrMissingKey = errors.New("secret is required for credential sealing")
	ErrMalformed  = errors.New("malformed sealed credential")
	ErrTampered   = errors.New("sealed credential failed authentication")
)

func deriveKey(secret string) (*[32]byte, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingKey
	}
	key := sha256.Sum256([]byte(secret))
	return &key, nil
}

// SealCredential encrypts plaintext with a key derived from secret (APP_KEY). The output is a
// printable string safe to store in a text column.
func SealCredential(plaintext, secret string) (string, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key)
	return sealPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenCredential reverses SealCredential.
func OpenCredential(sealed, secret string) (string, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(sealed, sealPrefix) {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", ErrMalformed
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	opened, ok := secretbox.Open(nil, raw[24:], &nonce, key)
	if !ok {
		return "", ErrTampered
	}
	return string(opened), nil
}
