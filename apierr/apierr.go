package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to clients. Each maps to one failure class of the
// orchestrator and keeps retryable failures distinguishable from
// non-retryable ones.
const (
	CodeValidation          = "validation_error"
	CodeConflict            = "run_conflict"
	CodeSubmission          = "submission_failed"
	CodeNotReady            = "model_not_ready"
	CodeStore               = "store_unavailable"
	CodeLock                = "lock_unavailable"
	CodePlatformTimeout     = "platform_timeout"
	CodePlatformUnavailable = "platform_unavailable"
)

// Error carries an HTTP status, a stable machine-readable code, the
// wrapped cause, and optionally the derived run state at the time of the
// failure (set for conflict and not-ready errors so callers can decide
// whether to reset first).
type Error struct {
	Status int
	Code   string
	State  string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Validation reports malformed request input, rejected before any adapter
// is touched.
func Validation(err error) *Error {
	return New(http.StatusBadRequest, CodeValidation, err)
}

// Conflict reports a submission attempted while a run is already active.
func Conflict(state string, err error) *Error {
	return &Error{Status: http.StatusConflict, Code: CodeConflict, State: state, Err: err}
}

// Submission reports that the training platform rejected job creation.
// The stored record is left unchanged, so the caller may retry.
func Submission(err error) *Error {
	return New(http.StatusBadGateway, CodeSubmission, err)
}

// NotReady reports an invocation attempted before the model is deployed.
func NotReady(state string, err error) *Error {
	return &Error{Status: http.StatusConflict, Code: CodeNotReady, State: state, Err: err}
}

// Store reports that the record store is unavailable. Fatal to the
// current request; no partial writes are made.
func Store(err error) *Error {
	return New(http.StatusServiceUnavailable, CodeStore, err)
}

// Lock reports that the per-user lock could not be acquired.
func Lock(err error) *Error {
	return New(http.StatusServiceUnavailable, CodeLock, err)
}

// Timeout reports a training platform call that exceeded its deadline.
func Timeout(err error) *Error {
	return New(http.StatusGatewayTimeout, CodePlatformTimeout, err)
}

// Unavailable reports a training platform failure other than a timeout.
func Unavailable(err error) *Error {
	return New(http.StatusBadGateway, CodePlatformUnavailable, err)
}

// From extracts an *Error from err's chain, or nil if there is none.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	e := From(err)
	return e != nil && e.Code == code
}
