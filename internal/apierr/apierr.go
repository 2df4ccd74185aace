// Package apierr defines the coordinator's structured error taxonomy.
// Components return *Error values; only the transport layer translates
// them into HTTP statuses and JSON bodies.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies an error kind. Each code maps to exactly one HTTP status.
type Code string

const (
	CodeInvalidRequest        Code = "INVALID_REQUEST"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeForbiddenScope        Code = "FORBIDDEN_SCOPE"
	CodeAgentNotFound         Code = "AGENT_NOT_FOUND"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeRegistrationExhausted Code = "REGISTRATION_EXHAUSTED"
	CodeStoreUnavailable      Code = "STORE_UNAVAILABLE"
	CodeBlobNotFound          Code = "BLOB_NOT_FOUND"
	CodeBlobTooLarge          Code = "BLOB_TOO_LARGE"
	CodeTimeout               Code = "TIMEOUT"
)

// Error is a structured coordinator error with an actionable suggestion.
type Error struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status for the error's code. TIMEOUT is not
// an error at the HTTP layer; long-poll expiry is reported inline as a
// status field with a 200 response.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbiddenScope:
		return http.StatusForbidden
	case CodeAgentNotFound, CodeBlobNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRegistrationExhausted:
		return http.StatusConflict
	case CodeBlobTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeTimeout:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

// From extracts an *Error from err, converting unclassified errors into
// STORE_UNAVAILABLE so no raw failure crosses a request boundary.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return StoreUnavailable(err)
}

// InvalidRequest reports malformed caller input for a named field.
func InvalidRequest(field, reason string) *Error {
	return &Error{
		Code:       CodeInvalidRequest,
		Message:    fmt.Sprintf("Invalid request: %s - %s", field, reason),
		Suggestion: "Check the tool documentation for required parameters.",
	}
}

// Unauthenticated reports a missing or invalid bearer credential.
func Unauthenticated(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return &Error{
		Code:       CodeUnauthenticated,
		Message:    message,
		Suggestion: "Provide a valid Authorization: Bearer <token> header.",
	}
}

// ForbiddenScope reports an agent-pattern mismatch.
func ForbiddenScope(agentID, pattern string) *Error {
	return &Error{
		Code:       CodeForbiddenScope,
		Message:    fmt.Sprintf("Agent ID %q does not match key pattern %q.", agentID, pattern),
		Suggestion: "Your API key does not have permission for this agent ID. Ask an admin for a correctly scoped key.",
	}
}

// AgentNotFound reports a send to an unregistered agent, listing a few
// registered alternatives.
func AgentNotFound(target string, available []string) *Error {
	suggestion := "No agents are currently registered. Wait for agents to come online."
	if len(available) > 0 {
		list := available
		extra := ""
		if len(list) > 5 {
			extra = fmt.Sprintf(" (and %d more)", len(list)-5)
			list = list[:5]
		}
		suggestion = "Available agents: " + strings.Join(list, ", ") + extra
	}
	return &Error{
		Code:       CodeAgentNotFound,
		Message:    fmt.Sprintf("Agent %q not found.", target),
		Suggestion: suggestion,
	}
}

// RateLimited reports an exceeded sliding-window limit.
func RateLimited(identity string, limit int, windowSeconds int) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("Rate limit exceeded for %q.", identity),
		Suggestion: fmt.Sprintf("Maximum %d requests per %d seconds. Wait before sending more requests.", limit, windowSeconds),
	}
}

// RegistrationExhausted reports that collision probing hit its cap.
func RegistrationExhausted(requested string, cap int) *Error {
	return &Error{
		Code:       CodeRegistrationExhausted,
		Message:    fmt.Sprintf("No free agent ID for %q after %d suffix probes.", requested, cap),
		Suggestion: "Rename the machine or project to a less contended identifier.",
	}
}

// StoreUnavailable wraps a backing-store failure.
func StoreUnavailable(err error) *Error {
	msg := "Backing store unavailable."
	if err != nil {
		msg = fmt.Sprintf("Backing store unavailable: %v.", err)
	}
	return &Error{
		Code:       CodeStoreUnavailable,
		Message:    msg,
		Suggestion: "Ensure the store is running and reachable, then retry with backoff.",
	}
}

// BlobNotFound reports a missing or expired blob.
func BlobNotFound(blobID string) *Error {
	return &Error{
		Code:       CodeBlobNotFound,
		Message:    fmt.Sprintf("Blob %q not found or has expired.", blobID),
		Suggestion: "Blobs expire after 24 hours. Check the blob_id and try again.",
	}
}

// BlobTooLarge reports a blob exceeding the size cap.
func BlobTooLarge(size, maxSize int) *Error {
	return &Error{
		Code:       CodeBlobTooLarge,
		Message:    fmt.Sprintf("Blob size (%.1fMB) exceeds maximum (%.1fMB).", float64(size)/(1024*1024), float64(maxSize)/(1024*1024)),
		Suggestion: "Reduce the file size or split it into smaller parts.",
	}
}
