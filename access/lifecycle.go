// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package access

import "fmt"

// Stage is a point in a request's lifecycle:
//
//	Unauthenticated -> Authenticated -> ContextResolved -> Executing -> Released
type Stage string

const (
	StageUnauthenticated Stage = "unauthenticated"
	StageAuthenticated   Stage = "authenticated"
	StageContextResolved Stage = "context_resolved"
	StageExecuting       Stage = "executing"
	StageReleased        Stage = "released"
)

// LifecycleError reports the stage a request had reached when it failed.
// Err is the most specific error available and is matched by errors.Is and
// errors.As through Unwrap.
type LifecycleError struct {
	Stage Stage
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("request failed at %s: %v", e.Stage, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

func fail(stage Stage, err error) error {
	return &LifecycleError{Stage: stage, Err: err}
}
