package model

import "fmt"

// ErrorKind enumerates the ten error kinds surfaced across the fabric.
type ErrorKind string

const (
	ErrConfig    ErrorKind = "config"
	ErrAuth      ErrorKind = "auth"
	ErrNetwork   ErrorKind = "network"
	ErrProvider  ErrorKind = "provider"
	ErrParse     ErrorKind = "parse"
	ErrTimeout   ErrorKind = "timeout"
	ErrCancelled ErrorKind = "cancelled"
	ErrBudget    ErrorKind = "budget"
	ErrPolicy    ErrorKind = "policy"
	ErrInternal  ErrorKind = "internal"
)

// FabricError is the one error type used across the fabric for any
// failure that should surface its kind to a user or to a tool_result.
// Error() renders a "kind sentence + remedial hint" shape so a
// user-visible message always carries both what went wrong and what
// to do about it.
type FabricError struct {
	Kind    ErrorKind
	Message string
	Hint    string
	Wrapped error
}

func (e *FabricError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.Hint != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Hint)
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	return msg
}

func (e *FabricError) Unwrap() error { return e.Wrapped }

// NewError constructs a FabricError of the given kind.
func NewError(kind ErrorKind, message string) *FabricError {
	return &FabricError{Kind: kind, Message: message}
}

// NewErrorf constructs a FabricError of the given kind with a
// formatted message.
func NewErrorf(kind ErrorKind, format string, args ...any) *FabricError {
	return &FabricError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithHint attaches a remedial hint, e.g. "Open Settings and add your
// API key, or connect to a hub with shared keys."
func (e *FabricError) WithHint(hint string) *FabricError {
	e.Hint = hint
	return e
}

// WithWrapped attaches an underlying cause, preserved for %w unwrapping.
func (e *FabricError) WithWrapped(err error) *FabricError {
	e.Wrapped = err
	return e
}

// MissingProviderKeyError is the canonical auth error for an agent
// started without a provider credential configured.
func MissingProviderKeyError(provider string) *FabricError {
	return &FabricError{
		Kind:    ErrAuth,
		Message: fmt.Sprintf("No %s API key configured.", provider),
		Hint:    "Open Settings and add your API key, or connect to a hub with shared keys.",
	}
}
