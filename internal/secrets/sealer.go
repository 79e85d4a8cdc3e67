// Copyright 2026 The Labmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets seals credential values stored alongside environment
// records.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix = "v1:"
	hkdfInfo     = "labmanager credentials v1"
)

var (
	// ErrKeyTooShort is returned for key material below 16 bytes.
	ErrKeyTooShort = errors.New("credentials key must be at least 16 bytes")
	// ErrNoKey is returned when a sealed value is read without a key.
	ErrNoKey = errors.New("sealed value but no credentials key configured")
	// ErrMalformed is returned for sealed values that cannot be opened.
	ErrMalformed = errors.New("malformed sealed value")
)

// Sealer encrypts and decrypts short strings with XChaCha20-Poly1305. A
// Sealer without a key passes values through unchanged.
type Sealer struct {
	key []byte
}

// New derives a sealing key from secret. An empty secret yields a
// pass-through Sealer.
func New(secret string) (*Sealer, error) {
	if secret == "" {
		return &Sealer{}, nil
	}
	if len(secret) < 16 {
		return nil, ErrKeyTooShort
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive credentials key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Enabled reports whether values are encrypted.
func (s *Sealer) Enabled() bool {
	return s != nil && len(s.key) > 0
}

// Seal encrypts plaintext. additional binds the ciphertext to a record,
// typically its ID.
func (s *Sealer) Seal(plaintext, additional string) (string, error) {
	if !s.Enabled() || plaintext == "" {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(additional))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned as-is so rows written before a key was configured stay
// readable.
func (s *Sealer) Open(value, additional string) (string, error) {
	encoded, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	if !s.Enabled() {
		return "", ErrNoKey
	}
	data, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(additional))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return string(plain), nil
}
