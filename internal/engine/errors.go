// Package engine drives the provider-agnostic tool dispatch loop.
// This file contains error classification shared by the loop and adapters.

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// RetryClass indicates whether an upstream error is worth retrying.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"
	RetryClassNonRetryable RetryClass = "non_retryable"
)

// UpstreamError wraps a provider or vector-search failure with the metadata
// the loop needs to report it: which upstream, the HTTP status when one was
// observed, and the retry classification.
type UpstreamError struct {
	Provider   string
	HTTPStatus int
	Class      RetryClass
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s upstream error (status %d): %v", e.Provider, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s upstream error: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// WrapUpstreamError classifies and wraps a provider error. A zero httpStatus
// means no HTTP response was observed (connection failure, timeout).
func WrapUpstreamError(provider string, err error, httpStatus int) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{
		Provider:   provider,
		HTTPStatus: httpStatus,
		Class:      ClassifyUpstreamError(err),
		Err:        err,
	}
}

// ClassifyUpstreamError decides retryability from the error text. Provider
// SDKs expose status codes inconsistently, so string matching is the lowest
// common denominator.
func ClassifyUpstreamError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class
	}

	errStr := strings.ToLower(err.Error())

	// Rate limits and server-side failures are transient.
	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return RetryClassRetryable
	}
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return RetryClassRetryable
	}
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "temporary failure") {
		return RetryClassRetryable
	}

	// Auth, bad requests, quota: the caller has to fix something first.
	return RetryClassNonRetryable
}

// HTTPStatusFromError pulls an HTTP status code out of an upstream error
// chain, or 0 when none was recorded.
func HTTPStatusFromError(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.HTTPStatus
	}
	return 0
}

// IsAuthStatus reports whether the status indicates rejected credentials.
func IsAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// ToolValidationError indicates that tool arguments failed JSON schema
// validation. Its message is what the model sees in the tool-result channel.
type ToolValidationError struct {
	ToolName string
	Errors   []string
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %s validation failed: %s", e.ToolName, strings.Join(e.Errors, "; "))
}

// StatusForError maps a loop-terminating error to the request status the
// metrics row records.
func StatusForError(ctx context.Context, err error) RequestStatus {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return StatusCancelled
	}
	return StatusUpstreamError
}
