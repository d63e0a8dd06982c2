package send

import (
	"errors"
	"net/http"
)

// Kind classifies a send failure for the caller.
type Kind int

const (
	KindInvalidInput Kind = iota
	KindNotAuthenticated
	KindInProgress
	KindTimeout
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindInProgress:
		return "in_progress"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

var (
	ErrMissingFields  = errors.New("phone and message required")
	ErrBadRecipient   = errors.New("invalid recipient")
	ErrSelfSend       = errors.New("cannot send a message to the connected account")
	ErrInProgress     = errors.New("another message is being sent, try again shortly")
	ErrAttemptTimeout = errors.New("send attempt timed out")
)

// Error is the result of a failed Send.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller should re-attempt after a delay.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransient
}

// HTTPStatus maps the failure to the status code used by the API.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotAuthenticated:
		return http.StatusUnauthorized
	case KindInProgress:
		return http.StatusTooManyRequests
	case KindTimeout, KindTransient:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func failure(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }
