// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"time"
)

// MatrixError represents a structured error response from the Matrix
// homeserver. Callers use errors.As to extract the structured
// information:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) {
//	    if matrixErr.Code == ErrCodeNotFound { ... }
//	}
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_NOT_FOUND").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// RetryAfterMS is the server-specified wait before retrying,
	// present on M_LIMIT_EXCEEDED responses.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
)

// IsMatrixError checks whether err is a *MatrixError with the given
// error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// RetryFilter classifies homeserver errors for the room-state fetch
// retry loop. Client errors (4xx) are permanent and short-circuit the
// loop, except 429, which is retried after the server-specified delay.
// Server errors and transport failures are retryable with the loop's
// own backoff.
func RetryFilter(err error) (retryAfter time.Duration, retryable bool) {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		// Transport-level failure (connection refused, timeout).
		return 0, true
	}
	if matrixErr.StatusCode == 429 {
		return time.Duration(matrixErr.RetryAfterMS) * time.Millisecond, true
	}
	if matrixErr.StatusCode >= 400 && matrixErr.StatusCode < 500 {
		return 0, false
	}
	return 0, true
}
