// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package vault encrypts per-connection secrets at rest.
//
// Each secret is sealed under a key derived for its owning entity (its
// scope) with HKDF-SHA256 over a process secret and the application salt.
// The process secret is loaded from outside the database (environment or
// AWS Secrets Manager), so a database dump alone does not yield keys.
//
// Ciphertext layout: [1-byte version][24-byte nonce][XChaCha20-Poly1305
// ciphertext+tag]. The scope is bound as additional data, so a blob copied
// to another entity fails to open.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"axonflow/tenantdb/shared/apperr"
)

const (
	// KeySize is the derived key size.
	KeySize = chacha20poly1305.KeySize
	// MinSecretSize is the minimum process secret length.
	MinSecretSize = 32

	formatV1 byte = 1
	info          = "tenantdb/vault/v1/"
)

var (
	ErrSecretTooShort     = errors.New("vault: process secret must be at least 32 bytes")
	ErrSaltRequired       = errors.New("vault: salt is required")
	ErrScopeRequired      = errors.New("vault: scope is required")
	ErrCiphertextTooShort = errors.New("vault: ciphertext too short")
	ErrUnknownFormat      = errors.New("vault: unknown ciphertext format")
)

// Encrypter seals secrets. It is the only capability handed to code that
// writes connection records.
type Encrypter interface {
	Encrypt(plaintext []byte, scope string) ([]byte, error)
}

// Decrypter opens secrets. Only the connection manager and health checks
// receive one.
type Decrypter interface {
	Decrypt(ciphertext []byte, scope string) ([]byte, error)
}

// Vault implements Encrypter and Decrypter. It holds no mutable state.
type Vault struct {
	secret []byte
	salt   []byte
}

// New creates a Vault from the process secret and application salt.
func New(secret, salt []byte) (*Vault, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrSecretTooShort
	}
	if len(salt) == 0 {
		return nil, ErrSaltRequired
	}
	v := &Vault{
		secret: make([]byte, len(secret)),
		salt:   make([]byte, len(salt)),
	}
	copy(v.secret, secret)
	copy(v.salt, salt)
	return v, nil
}

// ScopeKey derives the key for scope. Same scope, same key.
func (v *Vault) ScopeKey(scope string) ([]byte, error) {
	if scope == "" {
		return nil, ErrScopeRequired
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, v.secret, v.salt, []byte(info+scope))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under scope with a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte, scope string) ([]byte, error) {
	key, err := v.ScopeKey(scope)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = formatV1
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, []byte(scope)), nil
}

// Decrypt opens ciphertext sealed under scope. Any failure is reported as
// *apperr.DecryptionError.
func (v *Vault) Decrypt(ciphertext []byte, scope string) ([]byte, error) {
	plaintext, err := v.open(ciphertext, scope)
	if err != nil {
		return nil, &apperr.DecryptionError{Scope: scope, Err: err}
	}
	return plaintext, nil
}

func (v *Vault) open(ciphertext []byte, scope string) ([]byte, error) {
	key, err := v.ScopeKey(scope)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	if ciphertext[0] != formatV1 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, ciphertext[0])
	}
	nonce := ciphertext[1 : 1+aead.NonceSize()]
	return aead.Open([]byte{}, nonce, ciphertext[1+aead.NonceSize():], []byte(scope))
}

// Mask hides all but the last four characters of a secret for display.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
