// Package apierror defines the gateway's error taxonomy and its mapping to
// HTTP statuses and wire codes.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and retry decisions.
type Kind string

const (
	Unauthorized        Kind = "unauthorized"
	Forbidden           Kind = "forbidden"
	InvalidRequest      Kind = "invalid_request"
	UnknownField        Kind = "unknown_field"
	InsufficientBalance Kind = "insufficient_balance"
	UpstreamError       Kind = "upstream_error"
	UpstreamFetchFailed Kind = "upstream_fetch_failed"
	RequestTimeout      Kind = "request_timeout"
	TransformInitFailed Kind = "transform_init_failed"
	TransformApplyError Kind = "transform_apply_failed"
	Internal            Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	Unauthorized:        http.StatusUnauthorized,
	Forbidden:           http.StatusForbidden,
	InvalidRequest:      http.StatusBadRequest,
	UnknownField:        http.StatusBadRequest,
	InsufficientBalance: http.StatusPaymentRequired,
	UpstreamError:       http.StatusBadGateway,
	UpstreamFetchFailed: http.StatusBadGateway,
	RequestTimeout:      http.StatusGatewayTimeout,
	TransformInitFailed: http.StatusInternalServerError,
	TransformApplyError: http.StatusInternalServerError,
	Internal:            http.StatusInternalServerError,
}

// Error is a classified gateway error. UpstreamStatus is set when the error
// mirrors a non-2xx upstream response.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	cause          error
}

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Code returns the wire error code.
func (e *Error) Code() string { return string(e.Kind) }

// From classifies an arbitrary error, defaulting to internal_error.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: Internal, Message: err.Error(), cause: err}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// Envelope is the unary error body: {"error":{...}}.
type Envelope struct {
	Error Body `json:"error"`
}

// Body is the inner error object.
type Body struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Code    string  `json:"code"`
	Param   *string `json:"param"`
}

// ToEnvelope renders the wire error envelope.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{Error: Body{
		Message: e.Message,
		Type:    string(e.Kind),
		Code:    e.Code(),
	}}
}
