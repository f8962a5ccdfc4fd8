package types

import (
	"errors"
	"net/http"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// ErrorKind classifies every failure surfaced by the instrument core.
type ErrorKind int

const (
	KindRuntime ErrorKind = iota
	KindInvalidParameter
	KindOutOfRange
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidParameter:
		return "INVALID_PARAMETER"
	case KindOutOfRange:
		return "OUT_OF_RANGE"
	case KindTimeout:
		return "TIMEOUT"
	default:
		return "RUNTIME_ERROR"
	}
}

// HTTPStatus maps the kind onto the REST status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidParameter, KindOutOfRange:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the error type returned by instrument operations.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Msg != "" {
		if s != "" {
			s += ": "
		}
		s += e.Msg
	}
	if e.Err != nil {
		if s != "" {
			s += ": "
		}
		s += e.Err.Error()
	}
	if s == "" {
		s = e.Kind.String()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can write errors.Is(err, types.ErrTimeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrRuntime          = &Error{Kind: KindRuntime}
	ErrInvalidParameter = &Error{Kind: KindInvalidParameter}
	ErrOutOfRange       = &Error{Kind: KindOutOfRange}
	ErrTimeout          = &Error{Kind: KindTimeout}
)

func NewError(kind ErrorKind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// WrapError attaches a kind to err. An err that already carries a kind keeps it.
func WrapError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func InvalidParameter(op, msg string) error { return NewError(KindInvalidParameter, op, msg) }
func OutOfRange(op, msg string) error       { return NewError(KindOutOfRange, op, msg) }
func Runtime(op, msg string) error          { return NewError(KindRuntime, op, msg) }

// KindOf reports the kind of err, KindRuntime when it carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRuntime
}
