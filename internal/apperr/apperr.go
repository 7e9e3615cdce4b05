// Package apperr defines the error taxonomy shared by the service layers and
// its mapping onto HTTP status codes. Callers match with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// Credential failures. Unknown email and wrong password are the same error.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Token failures.
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
	ErrUnknownSubject = errors.New("unknown token subject")

	// Ownership and lookup failures.
	ErrForbidden = errors.New("machine belongs to another user")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("already exists")

	ErrRateLimited = errors.New("too many requests")

	// ErrConfig reports a server misconfiguration, e.g. an unset signing key.
	ErrConfig = errors.New("configuration error")
)

// ValidationError carries field-level detail for a malformed request.
type ValidationError struct {
	Fields map[string]string
}

// Invalid returns a ValidationError for a single field.
func Invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// Add records msg for field and returns v so calls can be chained.
func (v *ValidationError) Add(field, msg string) *ValidationError {
	if v.Fields == nil {
		v.Fields = make(map[string]string)
	}
	v.Fields[field] = msg
	return v
}

// OrNil returns nil when no fields were recorded.
func (v *ValidationError) OrNil() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+v.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StorageError wraps a persistence failure. Retryable is set for timeouts and
// lock contention that survived the internal retry.
type StorageError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// HTTPStatus maps err onto the response status code.
func HTTPStatus(err error) int {
	var verr *ValidationError
	var serr *StorageError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenMalformed),
		errors.Is(err, ErrUnknownSubject):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &serr):
		if serr.Retryable {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message that is safe to put in a response body.
// Credential and token failures are collapsed so they leak nothing.
func PublicMessage(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return "validation failed"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenMalformed),
		errors.Is(err, ErrUnknownSubject):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return ErrForbidden.Error()
	case errors.Is(err, ErrNotFound):
		var nf *notFound
		if errors.As(err, &nf) {
			return nf.what + " not found"
		}
		return "not found"
	case errors.Is(err, ErrConflict):
		var c *conflict
		if errors.As(err, &c) {
			return c.what + " already exists"
		}
		return ErrConflict.Error()
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited.Error()
	case HTTPStatus(err) == http.StatusBadGateway:
		return "storage temporarily unavailable"
	default:
		return "internal error"
	}
}

type notFound struct{ what string }

func (e *notFound) Error() string        { return e.what + " not found" }
func (e *notFound) Is(target error) bool { return target == ErrNotFound }

// NotFound returns an error matching ErrNotFound that names the missing thing.
func NotFound(what string) error { return &notFound{what: what} }

type conflict struct{ what string }

func (e *conflict) Error() string        { return e.what + " already exists" }
func (e *conflict) Is(target error) bool { return target == ErrConflict }

// Conflict returns an error matching ErrConflict that names the duplicate.
func Conflict(what string) error { return &conflict{what: what} }
