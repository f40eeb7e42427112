// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package base

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"axonflow/tenantdb/shared/apperr"
)

// WrapError converts a driver error into an *apperr.BackendError. fault
// reports whether the error reflects on backend health. Caller cancellation
// and this package's scoping errors are never faults.
func WrapError(connectionID, op string, err error, fault func(error) bool) error {
	if err == nil {
		return nil
	}
	var be *apperr.BackendError
	if errors.As(err, &be) {
		return err
	}
	isFault := false
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNoTenantContext),
		errors.Is(err, ErrUnscopedQuery),
		errors.Is(err, ErrUnsupportedOperation):
	case IsConnectivityError(err):
		isFault = true
	case fault != nil:
		isFault = fault(err)
	default:
		isFault = true
	}
	return &apperr.BackendError{ConnectionID: connectionID, Op: op, Fault: isFault, Err: err}
}

// IsConnectivityError reports errors that always mean the backend could
// not be reached or stopped answering.
func IsConnectivityError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsFault reports whether err, as returned by a Session or Backend, counts
// against the connection's circuit breaker.
func IsFault(err error) bool {
	if err == nil {
		return false
	}
	var be *apperr.BackendError
	if errors.As(err, &be) {
		return be.Fault
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
