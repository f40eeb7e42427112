// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package apperr defines the error taxonomy shared by the access layer.
//
// Every typed error matches one sentinel through errors.Is, so callers can
// branch on the class of failure without caring which component produced
// it:
//
//	if errors.Is(err, apperr.ErrCircuitOpen) { ... back off ... }
//
// StatusCode maps any error in the taxonomy to its HTTP equivalent.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrPoolExhausted      = errors.New("pool exhausted")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrCacheUnavailable   = errors.New("cache unavailable")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInvalidRequest     = errors.New("invalid request")

	ErrRevocationIncomplete = errors.New("revocation incomplete")
)

// AuthenticationError reports an invalid, expired or revoked session.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool { return target == ErrUnauthenticated }

// AuthorizationError reports a valid session with no access to the tenant
// or resource it asked for.
type AuthorizationError struct {
	UserID   string
	Resource string
	Reason   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not authorized for %s: %s", e.UserID, e.Resource, e.Reason)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrForbidden }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CircuitOpenError is returned without touching the backend while its
// breaker is open. RetryAfter is the remaining reset timeout.
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Key, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// PoolExhaustedError is returned when no pooled session became available
// within the acquire timeout. It is transient and safe to retry with backoff.
type PoolExhaustedError struct {
	ConnectionID string
	MaxSize      int32
	Waited       time.Duration
	// Err is the deadline that ended the wait.
	Err error
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool for connection %s exhausted (max %d, waited %s)", e.ConnectionID, e.MaxSize, e.Waited.Round(time.Millisecond))
}

func (e *PoolExhaustedError) Unwrap() error { return e.Err }

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// DecryptionError means a stored credential could not be opened under its
// scope. It is fatal for the attempt that hit it.
type DecryptionError struct {
	Scope string
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt secret for scope %s: %v", e.Scope, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryptionFailed }

// CacheUnavailableError is absorbed by the session cache and never reaches
// callers of Validate.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache %s unavailable: %v", e.Op, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }

func (e *CacheUnavailableError) Is(target error) bool { return target == ErrCacheUnavailable }

// RevocationError means a session was revoked in the store but its shared
// cache entry could not be removed. Other replicas may keep serving the
// session from cache until the entry expires, so the revoke must not be
// reported as done. Revoking again is safe.
type RevocationError struct {
	UserID string
	Err    error
}

func (e *RevocationError) Error() string {
	return fmt.Sprintf("session revoked but cache entry not removed: %v", e.Err)
}

func (e *RevocationError) Unwrap() error { return e.Err }

func (e *RevocationError) Is(target error) bool { return target == ErrRevocationIncomplete }

// BackendError wraps a failure returned by a tenant backend. Fault is true
// when the failure says something about backend health (connectivity,
// timeouts, shutdown) rather than about the caller's query.
type BackendError struct {
	ConnectionID string
	Op           string
	Fault        bool
	Err          error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("connection %s: %s: %v", e.ConnectionID, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool {
	return e.Fault && target == ErrBackendUnavailable
}

// StatusCode maps an error to the HTTP status the API surface returns.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrRevocationIncomplete):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusBadGateway
	case isStatementError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a short machine-readable code for an error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrRevocationIncomplete):
		return "revocation_incomplete"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case isStatementError(err):
		return "statement_rejected"
	default:
		return "internal"
	}
}

// isStatementError reports a backend rejecting the statement itself rather
// than being unavailable.
func isStatementError(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && !be.Fault
}

// RetryAfter returns how long a caller should wait before retrying, or zero
// if the error is not retryable.
func RetryAfter(err error) time.Duration {
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return open.RetryAfter
	}
	if errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrRevocationIncomplete) {
		return time.Second
	}
	return 0
}

// Invalid builds an ErrInvalidRequest with a message.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
