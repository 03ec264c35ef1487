// Package errs defines the error kinds surfaced by the messaging core.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can choose between retrying and
// explaining without parsing message text.
type Kind string

const (
	NotAuthenticated     Kind = "notAuthenticated"
	InvalidInput         Kind = "invalidInput"
	PermissionDenied     Kind = "permissionDenied"
	UserBlocked          Kind = "userBlocked"
	FollowRequired       Kind = "followRequired"
	MessagesNotAllowed   Kind = "messagesNotAllowed"
	ConversationNotFound Kind = "conversationNotFound"
	MessageNotFound      Kind = "messageNotFound"
	UploadFailed         Kind = "uploadFailed"
	NetworkError         Kind = "networkError"
)

// Sentinels for errors.Is comparisons.
var (
	ErrNotAuthenticated     = &Error{Kind: NotAuthenticated}
	ErrInvalidInput         = &Error{Kind: InvalidInput}
	ErrPermissionDenied     = &Error{Kind: PermissionDenied}
	ErrUserBlocked          = &Error{Kind: UserBlocked}
	ErrFollowRequired       = &Error{Kind: FollowRequired}
	ErrMessagesNotAllowed   = &Error{Kind: MessagesNotAllowed}
	ErrConversationNotFound = &Error{Kind: ConversationNotFound}
	ErrMessageNotFound      = &Error{Kind: MessageNotFound}
	ErrUploadFailed         = &Error{Kind: UploadFailed}
	ErrNetwork              = &Error{Kind: NetworkError}
)

// Error is a typed failure from a core operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrUserBlocked)
// works regardless of op or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a new error of the given kind.
func E(op string, kind Kind, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a kind to an underlying error. A nil err stays nil and an
// error that already carries a kind keeps it.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// Retryable reports whether repeating the same call may succeed without a
// state change elsewhere.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkError, UploadFailed:
		return true
	}
	return false
}

// Message returns the user-facing text of err without the op prefix.
func Message(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Msg != "" {
			return typed.Msg
		}
		if typed.Err != nil {
			return typed.Err.Error()
		}
		return string(typed.Kind)
	}
	return err.Error()
}
