// Package errcode carries the machine-readable error taxonomy shared by
// every component. Collaborator adapters translate external failures into
// these codes before they cross into the core; the API surfaces them as-is.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class. Codes are stable strings and part of the
// external contract.
type Code string

const (
	// Resource gate denials.
	AutonomyDisabled Code = "autonomy_disabled"
	BudgetExhausted  Code = "budget_exhausted"
	NotIdle          Code = "not_idle"
	ResourcePressure Code = "resource_pressure"
	WindowClosed     Code = "window_closed"

	// Distributed lock.
	LockUnavailable Code = "lock_unavailable"
	LockStale       Code = "lock_stale"

	// Project/task engine.
	InvalidState    Code = "invalid_state"
	NotFound        Code = "not_found"
	DependencyCycle Code = "dependency_cycle"
	BudgetExceeded  Code = "budget_exceeded"

	// Collaborators.
	ExternalTimeout         Code = "external_timeout"
	ExternalUnavailable     Code = "external_unavailable"
	ExternalInvalidResponse Code = "external_invalid_response"

	// Outcome tracker.
	MeasurementNotDue Code = "measurement_not_due"
	BaselineMissing   Code = "baseline_missing"
	AlreadyMeasured   Code = "already_measured"

	// Startup.
	ConfigMissing Code = "config_missing"
	ConfigInvalid Code = "config_invalid"
)

// Error pairs a taxonomy code with a human-readable message and an optional
// wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two taxonomy errors by code alone.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Code == e.Code
	}
	return false
}

// New builds a taxonomy error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the taxonomy code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the status the API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case NotFound:
		return http.StatusNotFound
	case InvalidState, DependencyCycle, AlreadyMeasured:
		return http.StatusConflict
	case BudgetExceeded, BudgetExhausted, AutonomyDisabled, NotIdle, ResourcePressure, WindowClosed:
		return http.StatusForbidden
	case ConfigMissing, ConfigInvalid:
		return http.StatusBadRequest
	case LockUnavailable, LockStale:
		return http.StatusLocked
	case ExternalTimeout:
		return http.StatusGatewayTimeout
	case ExternalUnavailable, ExternalInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
