// Package moltins provides a Go client for the Moltins agent API.
package moltins

import (
	"errors"
	"fmt"
)

// Error is a non-2xx response from the Moltins API.
type Error struct {
	StatusCode int
	// Label is the short human-readable error ("Invalid tweet URL").
	Label   string
	Code    string
	Message string
	Hint    string
	// Owner is set when a claim was rejected because the agent already has one.
	Owner string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("moltins: %s (%d): %s: %s", e.Code, e.StatusCode, e.Label, e.Message)
	}
	return fmt.Sprintf("moltins: %s (%d): %s", e.Code, e.StatusCode, e.Label)
}

// ErrorCode returns the API error code of err, or "" if err is not an *Error.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == status
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return hasStatus(err, 403) }

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool { return hasStatus(err, 409) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, 429) }
