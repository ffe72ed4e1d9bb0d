// Package apierror defines the closed error taxonomy shared by every public
// operation of the query/build service and the envelope used to surface it.
package apierror

import "fmt"

// Code is one of the closed set of error codes a public operation can return.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeConfigNotFound     Code = "CONFIG_NOT_FOUND"
	CodeConfigInvalid      Code = "CONFIG_INVALID"
	CodeEnvironmentMissing Code = "ENVIRONMENT_NOT_FOUND"
	CodeEngineInitFailed   Code = "ENGINE_INIT_FAILED"
	CodeManifestNotFound   Code = "MANIFEST_NOT_FOUND"
	CodeManifestInvalid    Code = "MANIFEST_INVALID"
	CodeMetricNotFound     Code = "METRIC_NOT_FOUND"
	CodeDimensionNotFound  Code = "DIMENSION_NOT_FOUND"
	CodeQueryNotFound      Code = "QUERY_NOT_FOUND"
	CodeQueryExpired       Code = "QUERY_EXPIRED"
	CodeQueryExecFailed    Code = "QUERY_EXECUTION_FAILED"
	CodeQueryCompileFailed Code = "QUERY_COMPILE_FAILED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// httpStatus maps each Code to the HTTP status an external transport should
// surface. Not exported: callers use Error.HTTPStatus(). CONFIG_NOT_FOUND
// is a 404: it covers lookups that miss (a build id, the registry file),
// not a malformed configuration, which is CONFIG_INVALID's 500.
var httpStatus = map[Code]int{
	CodeUnauthorized:       401,
	CodeForbidden:          403,
	CodeBadRequest:         400,
	CodeValidationError:    422,
	CodeConfigNotFound:     404,
	CodeConfigInvalid:      500,
	CodeEnvironmentMissing: 404,
	CodeEngineInitFailed:   500,
	CodeManifestNotFound:   500,
	CodeManifestInvalid:    500,
	CodeMetricNotFound:     404,
	CodeDimensionNotFound:  404,
	CodeQueryNotFound:      404,
	CodeQueryExpired:       410,
	CodeQueryExecFailed:    500,
	CodeQueryCompileFailed: 500,
	CodeInternal:           500,
}

// Error is a tagged error carrying a Code, human message, and optional
// structured details (e.g. the invalid names and allowed set for a
// VALIDATION_ERROR raised by the filter compiler).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

// New constructs an *Error for the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status code an external transport should use
// for this error. Unknown codes (should not occur, the taxonomy is closed)
// default to 500.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return 500
}

// Envelope is the response shape every public operation returns, whether it
// succeeded (Data set, Err nil) or failed (Data nil, Err set).
type Envelope struct {
	OK   bool           `json:"ok"`
	Data any            `json:"data"`
	Err  *EnvelopeError `json:"error"`
}

// EnvelopeError is the JSON-facing projection of an Error.
type EnvelopeError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Ok wraps a successful payload in an Envelope.
func Ok(data any) Envelope {
	return Envelope{OK: true, Data: data}
}

// Fail wraps an error in an Envelope, converting it to the taxonomy above.
// Errors that are not *Error are reported as CodeInternal.
func Fail(err error) Envelope {
	apiErr := As(err)
	return Envelope{
		OK: false,
		Err: &EnvelopeError{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Details: apiErr.Details,
		},
	}
}

// As converts any error into an *Error, defaulting to CodeInternal when err
// is not already one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if ok := errorsAs(err, &apiErr); ok {
		return apiErr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// errorsAs walks err's single-error Unwrap chain looking for an *Error so
// As() above reads linearly; kept unexported since callers only ever need
// As(). Multi-error wrappers (Unwrap() []error, as built by errors.Join)
// and custom As methods are not searched.
func errorsAs(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
