// Package apitypes defines the wire-level shapes shared between the core
// pipeline and the HTTP boundary: the uniform error envelope and the
// response metadata bundle returned alongside an assistant message.
package apitypes

import "fmt"

// Code is one of the fixed error codes from spec.md §6/§7. Each maps to an
// exact HTTP status at the boundary; internal callers only ever see Code,
// never the status number.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodePaymentRequired  Code = "PAYMENT_REQUIRED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeProviderError    Code = "PROVIDER_ERROR"
	CodeProviderSchema   Code = "PROVIDER_SCHEMA_ERROR"
	CodeTimeout          Code = "TIMEOUT_ERROR"
)

// HTTPStatus returns the status code spec.md §6 assigns to c.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return 400
	case CodeUnauthorized:
		return 401
	case CodePaymentRequired:
		return 402
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeRateLimited:
		return 429
	case CodeProviderError, CodeProviderSchema:
		return 502
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}

// Error is the typed error returned by every internal package. The HTTP
// boundary is the only place that renders it into the uniform envelope;
// everywhere else it is inspected via Code/errors.As.
type Error struct {
	Code          Code
	Message       string
	Details       map[string]any
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error that carries cause for diagnostics while keeping
// Message sanitized for clients (cause is never serialized to JSON).
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured details (validation field errors, etc.)
// and returns the receiver for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCorrelationID stamps the error with the request's correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// Envelope is the uniform JSON error body from spec.md §6.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the nested body of Envelope.
type EnvelopeBody struct {
	Code          Code           `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlationId"`
}

// ToEnvelope renders e into the client-visible envelope. Internal details
// (cause, stack) are never included.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{Error: EnvelopeBody{
		Code:          e.Code,
		Message:       e.Message,
		Details:       e.Details,
		CorrelationID: e.CorrelationID,
	}}
}
