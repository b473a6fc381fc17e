package protocol

import (
	"errors"
	"fmt"
)

// Code is one member of the closed error taxonomy shared end-to-end between
// the driver, the broker, and the actuator. Anything outside this set is
// collapsed to CodeExtensionNotReady at the boundary so the driver only ever
// reasons about a small vocabulary.
type Code string

const (
	// CodeExtensionNotReady means the actuator channel is unavailable or the
	// command was rejected before execution.
	CodeExtensionNotReady Code = "EXTENSION_NOT_READY"

	// CodeNoActiveTab means there is no addressable page target.
	CodeNoActiveTab Code = "NO_ACTIVE_TAB"

	// CodePermissionDenied means the target is restricted or a human denied
	// the action.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeNotFound means a selector resolved to zero or non-visible elements.
	CodeNotFound Code = "NOT_FOUND"

	// CodeTimeout means the per-tool deadline elapsed before a result arrived.
	CodeTimeout Code = "TIMEOUT"

	// CodeCancelled means the run was cancelled before completion.
	CodeCancelled Code = "CANCELLED"
)

// Valid reports whether c is a member of the taxonomy.
func (c Code) Valid() bool {
	switch c {
	case CodeExtensionNotReady, CodeNoActiveTab, CodePermissionDenied,
		CodeNotFound, CodeTimeout, CodeCancelled:
		return true
	}
	return false
}

// Error carries a taxonomy code alongside a human-readable message and an
// optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a coded error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with a taxonomy code.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from err, normalizing anything outside
// the closed set to CodeExtensionNotReady.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) && pe.Code.Valid() {
		return pe.Code
	}
	return CodeExtensionNotReady
}

// NormalizeCode maps a raw wire string onto the taxonomy.
func NormalizeCode(raw string) Code {
	if c := Code(raw); c.Valid() {
		return c
	}
	return CodeExtensionNotReady
}

// IsCode reports whether err normalizes to the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
