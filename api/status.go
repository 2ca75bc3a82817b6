package api

import (
	"context"
	"errors"
	"fmt"
)

// Status is the flat result taxonomy shared by the client library and the
// daemon. Zero is success; failures are negative.
type Status int32

const (
	StatusSuccess            Status = 0
	StatusBadParam           Status = -1
	StatusGenericError       Status = -2
	StatusNotSupported       Status = -3
	StatusUninitialized      Status = -4
	StatusTimeout            Status = -5
	StatusVersionMismatch    Status = -6
	StatusInUse              Status = -7
	StatusNotConfigured      Status = -8
	StatusConnectionNotValid Status = -9
	StatusNVLinkError        Status = -10
)

var statusNames = map[Status]string{
	StatusSuccess:            "success",
	StatusBadParam:           "bad_param",
	StatusGenericError:       "generic_error",
	StatusNotSupported:       "not_supported",
	StatusUninitialized:      "uninitialized",
	StatusTimeout:            "timeout",
	StatusVersionMismatch:    "version_mismatch",
	StatusInUse:              "in_use",
	StatusNotConfigured:      "not_configured",
	StatusConnectionNotValid: "connection_not_valid",
	StatusNVLinkError:        "nvlink_error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Error makes Status usable as a sentinel with errors.Is.
func (s Status) Error() string {
	return s.String()
}

// Known reports whether s is part of the taxonomy.
func (s Status) Known() bool {
	_, ok := statusNames[s]
	return ok
}

// Error is the failure type returned by every fabric operation.
type Error struct {
	Status Status
	Op     string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Status.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap exposes the status so errors.Is(err, api.StatusInUse) matches.
func (e *Error) Unwrap() error {
	return e.Status
}

// NewError constructs an *Error.
func NewError(status Status, op, detail string) *Error {
	return &Error{Status: status, Op: op, Detail: detail}
}

// Errorf constructs an *Error with a formatted detail.
func Errorf(status Status, op, format string, args ...any) *Error {
	return &Error{Status: status, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// StatusOf maps err onto the taxonomy. Context expiry maps to StatusTimeout and
// anything unrecognised to StatusGenericError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var status Status
	if errors.As(err, &status) {
		return status
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StatusTimeout
	}
	return StatusGenericError
}
