// Package errs defines the error taxonomy shared by services and HTTP
// handlers. Guards raise these before any state is mutated; handlers map
// each kind to a status code.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindPermission
	KindStateConflict
	KindGateway
	KindConfiguration
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindStateConflict:
		return "state_conflict"
	case KindGateway:
		return "gateway"
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error carries a kind, a caller-facing message, optional field-level
// detail and an optional wrapped cause.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

func Validation(msg string) *Error    { return &Error{Kind: KindValidation, Msg: msg} }
func Permission(msg string) *Error    { return &Error{Kind: KindPermission, Msg: msg} }
func StateConflict(msg string) *Error { return &Error{Kind: KindStateConflict, Msg: msg} }
func NotFound(msg string) *Error      { return &Error{Kind: KindNotFound, Msg: msg} }

func Configuration(msg string) *Error { return &Error{Kind: KindConfiguration, Msg: msg} }

// Gateway wraps a payment-processor failure. The transition that depended
// on the processor call must not commit when this is returned.
func Gateway(msg string, cause error) *Error {
	return &Error{Kind: KindGateway, Msg: msg, cause: cause}
}

// ValidationField reports a single-field validation failure.
func ValidationField(field, msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: map[string]string{field: msg}}
}

// KindOf extracts the taxonomy kind from any error in the chain;
// returns 0 when the error is not ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }
