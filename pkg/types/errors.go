package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and rollback policy.
type ErrorKind string

const (
	ErrConfig      ErrorKind = "CONFIG"
	ErrEnvironment ErrorKind = "ENVIRONMENT"
	ErrElevation   ErrorKind = "ELEVATION"
	ErrHypervisor  ErrorKind = "HYPERVISOR"
	ErrNetwork     ErrorKind = "NETWORK"
	ErrSSH         ErrorKind = "SSH"
	ErrTask        ErrorKind = "TASK"
	ErrResource    ErrorKind = "RESOURCE"
)

// Structural reports whether errors of this kind abort the create workflow
// and trigger rollback rather than local retry.
func (k ErrorKind) Structural() bool {
	switch k {
	case ErrConfig, ErrEnvironment, ErrElevation:
		return true
	}
	return false
}

// RangeError carries the error taxonomy through the workflow.
type RangeError struct {
	Kind  ErrorKind
	Op    string // short operation description
	Field string // config field path, when Kind == CONFIG
	Err   error
}

func (e *RangeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Field, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *RangeError) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation description.
func NewError(kind ErrorKind, op string, err error) *RangeError {
	return &RangeError{Kind: kind, Op: op, Err: err}
}

// ConfigError reports a validation failure at a specific field path,
// e.g. "guest_settings[2].vcpus".
func ConfigError(field, format string, args ...interface{}) *RangeError {
	return &RangeError{Kind: ErrConfig, Op: "validate", Field: field, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var re *RangeError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
