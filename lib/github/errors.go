// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"errors"
	"fmt"
	"strings"
)

// APIError represents a non-2xx response from the GitHub REST API.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Message is the top-level error description from GitHub.
	Message string

	// DocumentationURL points to the relevant API documentation.
	DocumentationURL string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsNotFound reports whether err is a GitHub API 404 response.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == 404
}

// IsForbidden reports whether err is a GitHub API 403 response that is
// not a rate limit.
func IsForbidden(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) &&
		apiError.StatusCode == 403 &&
		!isRateLimitMessage(apiError.Message)
}

// isRateLimitMessage distinguishes a rate limit 403 from a permission
// 403. GitHub's rate limit responses carry recognizable phrases.
func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "abuse detection")
}
