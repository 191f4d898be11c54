// Package apperror defines the error categories shared by the HTTP and
// websocket layers. Handlers wrap causes in an Error so transport code can
// map failures to status codes or outbound error messages uniformly.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
	ErrStore        = errors.New("store failure")
)

// Error pairs a category sentinel with a human-readable message.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func Validation(message string) *Error {
	return &Error{Kind: ErrValidation, Message: message}
}

func NotFound(resource, id string) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: ErrUnauthorized, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Kind: ErrConflict, Message: message}
}

func RateLimited() *Error {
	return &Error{Kind: ErrRateLimited, Message: "too many requests"}
}

// Store wraps a collaborator failure. The cause is retained for logs but the
// message shown to clients stays generic.
func Store(cause error) *Error {
	return &Error{Kind: fmt.Errorf("%w: %w", ErrStore, cause), Message: "internal error"}
}
