package apperr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tphummel/rocks_monitor/internal/apperr"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", apperr.Invalid("email", "required"), http.StatusUnprocessableEntity},
		{"credentials", apperr.ErrInvalidCredentials, http.StatusUnauthorized},
		{"expired wrapped", fmt.Errorf("verify: %w", apperr.ErrTokenExpired), http.StatusUnauthorized},
		{"malformed", apperr.ErrTokenMalformed, http.StatusUnauthorized},
		{"unknown subject", apperr.ErrUnknownSubject, http.StatusUnauthorized},
		{"forbidden", apperr.ErrForbidden, http.StatusForbidden},
		{"not found", apperr.NotFound("machine"), http.StatusNotFound},
		{"conflict", apperr.Conflict("email"), http.StatusConflict},
		{"rate limited", apperr.ErrRateLimited, http.StatusTooManyRequests},
		{"storage retryable", &apperr.StorageError{Op: "get", Retryable: true, Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{"storage fatal", &apperr.StorageError{Op: "get", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessage_DoesNotLeakTokenDetail(t *testing.T) {
	for _, err := range []error{apperr.ErrTokenExpired, apperr.ErrTokenMalformed, apperr.ErrUnknownSubject} {
		assert.Equal(t, "unauthorized", apperr.PublicMessage(err))
	}
	assert.Equal(t, "invalid credentials", apperr.PublicMessage(apperr.ErrInvalidCredentials))
	assert.Equal(t, "internal error", apperr.PublicMessage(errors.New("sql: connection refused")))
}

func TestPublicMessage_NamesMissingThing(t *testing.T) {
	assert.Equal(t, "machine not found", apperr.PublicMessage(fmt.Errorf("lookup: %w", apperr.NotFound("machine"))))
	assert.Equal(t, "email already exists", apperr.PublicMessage(apperr.Conflict("email")))
	assert.Equal(t, "machine belongs to another user", apperr.PublicMessage(apperr.ErrForbidden))
}

func TestValidationError(t *testing.T) {
	v := &apperr.ValidationError{}
	assert.NoError(t, v.OrNil())

	v.Add("password", "required").Add("email", "invalid")
	err := v.OrNil()
	assert.Error(t, err)
	assert.Equal(t, "validation failed: email: invalid; password: required", err.Error())

	var target *apperr.ValidationError
	assert.True(t, errors.As(fmt.Errorf("wrap: %w", err), &target))
	assert.Len(t, target.Fields, 2)
}

func TestStorageError_Unwraps(t *testing.T) {
	err := &apperr.StorageError{Op: "insert sample", Retryable: true, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "insert sample")
}
