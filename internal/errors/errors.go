// Package errors defines the transfer error table used throughout bm-drive-cloud.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// TransferError is a classified engine error with a machine-readable code,
// a human-readable message, an HTTP status hint and an optional cause.
type TransferError struct {
	// Code identifies the error kind (e.g., "FileNotFound", "StreamFailure").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the status the HTTP front end reports for this error.
	HTTPStatus int
	// ExtraFields holds additional key-value context (paths, kinds, names).
	ExtraFields map[string]string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface for TransferError.
func (e *TransferError) Error() string {
	msg := e.Code + ": " + e.Message
	for _, k := range []string{"kind", "name", "path", "op"} {
		if v, ok := e.ExtraFields[k]; ok {
			msg += fmt.Sprintf(" (%s=%s)", k, v)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a TransferError of the same kind.
func (e *TransferError) Is(target error) bool {
	t, ok := target.(*TransferError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithExtra returns a copy of the TransferError with the given extra field set.
func (e *TransferError) WithExtra(key, value string) *TransferError {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// WithMessage returns a copy of the TransferError with a formatted message.
func (e *TransferError) WithMessage(format string, args ...any) *TransferError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of the TransferError with err as its cause.
func (e *TransferError) Wrap(err error) *TransferError {
	cp := *e
	cp.Err = err
	return &cp
}

// StatusOf returns the HTTP status hint for err. Unclassified errors map to 500.
func StatusOf(err error) int {
	var te *TransferError
	if stderrors.As(err, &te) && te.HTTPStatus != 0 {
		return te.HTTPStatus
	}
	return http.StatusInternalServerError
}

// CodeOf returns the error code for err, or "InternalError" if unclassified.
func CodeOf(err error) string {
	var te *TransferError
	if stderrors.As(err, &te) {
		return te.Code
	}
	return ErrInternalError.Code
}

// Pre-defined errors for engine conditions.
var (
	// ErrInvalidPlatformKind is returned for an unknown backend kind.
	ErrInvalidPlatformKind = &TransferError{
		Code:       "InvalidPlatformKind",
		Message:    "The platform kind is not supported",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrUnsupportedOperation is returned when a work item names an op other than copy.
	ErrUnsupportedOperation = &TransferError{
		Code:       "UnsupportedOperation",
		Message:    "The operation is not supported",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrMissingCredentials is returned when a non-filesystem platform has no matching credential.
	ErrMissingCredentials = &TransferError{
		Code:       "MissingCredentials",
		Message:    "No credential matches the platform's credential name",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidCredentials is returned when credential content cannot be parsed or used.
	ErrInvalidCredentials = &TransferError{
		Code:       "InvalidCredentials",
		Message:    "The credential content is malformed",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrMalformedWork is returned when the work specification cannot be parsed.
	ErrMalformedWork = &TransferError{
		Code:       "MalformedWork",
		Message:    "The work specification is malformed",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrFolderNotFound is returned when a path segment is missing and creation is disallowed.
	ErrFolderNotFound = &TransferError{
		Code:       "FolderNotFound",
		Message:    "The folder does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrFileNotFound is returned when a source file or object does not exist.
	ErrFileNotFound = &TransferError{
		Code:       "FileNotFound",
		Message:    "The file does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrStreamFailure is returned when either endpoint of a copy fails.
	ErrStreamFailure = &TransferError{
		Code:       "StreamFailure",
		Message:    "The stream failed during transfer",
		HTTPStatus: http.StatusBadGateway,
	}

	// ErrBackoffExhausted is returned when retries run out.
	ErrBackoffExhausted = &TransferError{
		Code:       "BackoffExhausted",
		Message:    "Retries were exhausted",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	// ErrNonRetryableFailure marks an error the retry classifier refused to retry.
	ErrNonRetryableFailure = &TransferError{
		Code:       "NonRetryableFailure",
		Message:    "The operation failed with a non-retryable error",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrInternalError is returned for unexpected conditions.
	ErrInternalError = &TransferError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
