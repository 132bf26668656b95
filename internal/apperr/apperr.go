// Package apperr defines the error taxonomy shared by the realtime subsystem.
// Every failure that reaches the event router is reported to the origin
// connection only, so errors carry a client-safe message next to their kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	KindAuthentication Kind = "authentication_failure"
	KindAuthorization  Kind = "authorization_failure"
	KindNotFound       Kind = "not_found"
	KindTransientStore Kind = "transient_store_failure"
	KindInvalidPayload Kind = "invalid_payload"
	KindInternal       Kind = "internal"
)

// Error is a classified, client-presentable failure.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Authentication(msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Err: err}
}

func Authorization(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// TransientStore wraps a persistence failure. The message is what the client
// sees; err is only logged.
func TransientStore(msg string, err error) *Error {
	return &Error{Kind: KindTransientStore, Message: msg, Err: err}
}

func InvalidPayload(msg, field string) *Error {
	return &Error{Kind: KindInvalidPayload, Message: msg, Field: field}
}

// KindOf reports the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Message returns the client-safe message of err.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}
