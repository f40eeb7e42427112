// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sessions

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSigningKeySize is the smallest accepted HMAC key.
const MinSigningKeySize = 32

var ErrSigningKeyTooShort = fmt.Errorf("token signing key must be at least %d bytes", MinSigningKeySize)

// Claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies session tokens with HS256. Verification is
// a cheap pre-check; the store remains authoritative for revocation.
type TokenCodec struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewTokenCodec creates a codec. issuer is written into and required on
// every token.
func NewTokenCodec(key []byte, issuer string) (*TokenCodec, error) {
	if len(key) < MinSigningKeySize {
		return nil, ErrSigningKeyTooShort
	}
	return &TokenCodec{key: append([]byte(nil), key...), issuer: issuer, now: time.Now}, nil
}

// Sign returns a token for sessionID owned by userID.
func (c *TokenCodec) Sign(sessionID, userID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        sessionID,
		Subject:   userID,
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// Verify checks signature, issuer and expiry and returns the claims.
func (c *TokenCodec) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, errors.New("token is missing session or subject")
	}
	return claims, nil
}
