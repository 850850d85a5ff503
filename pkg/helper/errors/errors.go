package errors

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind classifies a failure for retry policy decisions.
type Kind string

const (
	// KindUnknown is the zero classification.
	KindUnknown Kind = ""

	// KindTransient covers network and timeout failures. Callers retry a
	// bounded number of times before surfacing a stage failure.
	KindTransient Kind = "Transient"

	// KindGateRejected covers quality gate and scan rejections. Never
	// retried automatically.
	KindGateRejected Kind = "GateRejected"

	// KindConflict covers optimistic concurrency races on repository
	// writes. Retried exactly once.
	KindConflict Kind = "Conflict"

	// KindConfiguration covers missing credentials or endpoints. Fatal,
	// surfaced immediately.
	KindConfiguration Kind = "Configuration"
)

type kindError struct {
	kind Kind
	err  error
}

func (k *kindError) Error() string { return k.err.Error() }
func (k *kindError) Unwrap() error { return k.err }

// WithKind attaches a classification to err.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Transient wraps err with a message and marks it retryable.
func Transient(err error, message string) error {
	return WithKind(errors.Wrap(err, message), KindTransient)
}

// KindOf reports the innermost classification attached to err.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

func New(message string) error {
	return errors.New(message)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// Error is the HTTP-facing error envelope.
type Error struct {
	Code    int
	Message ErrorBody
}

func (e *Error) Error() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.JSON()
}

// NewErr return error, error body only 0 or 1.
func NewErr(code int, eb ...ErrorBody) error {
	if len(eb) == 0 {
		return &Error{
			Code: code,
		}
	}

	return &Error{
		Code:    code,
		Message: eb[0],
	}
}

type ErrorBody interface {
	JSON() string
}

type CodeError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *CodeError) JSON() string {
	byte, _ := json.Marshal(c)
	return string(byte)
}

type StringError string

func (s *StringError) JSON() string {
	return "{\"message\":\"" + string(*s) + "\"}"
}
