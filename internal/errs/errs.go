// Package errs implements the error taxonomy described in spec §7: a small
// set of error kinds, never a panic in steady-state request paths.
package errs

import "fmt"

// Kind classifies an error without requiring a type switch per call site.
type Kind string

const (
	KindConfig           Kind = "config"
	KindIO               Kind = "io"
	KindUnsupported      Kind = "unsupported"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindCancelled        Kind = "cancelled"
	KindToolError        Kind = "tool_error"
	KindSamplerStuck     Kind = "sampler_stuck"
	KindInternal         Kind = "internal"
)

// Error is the common error type returned across package boundaries.
// Code carries an optional machine-readable subcategory (e.g. a
// ToolError subcategory: "transport", "timeout", "server_error",
// "circuit_open").
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func WithCode(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Unsupported builds the Unsupported{scheme, device}-shaped error used by
// the quantization and attention layers (spec §4.2, §4.3).
func Unsupported(scheme, device string) *Error {
	return &Error{
		Kind:    KindUnsupported,
		Code:    scheme,
		Message: fmt.Sprintf("scheme %q not supported on device %q", scheme, device),
	}
}

// CapacityExceeded builds the error the scheduler returns when a newly
// admitted sequence cannot be scheduled even after preemption (spec §4.7).
func CapacityExceeded(seqID string) *Error {
	return &Error{
		Kind:    KindCapacityExceeded,
		Message: fmt.Sprintf("sequence %s rejected: capacity exceeded after preemption retries", seqID),
	}
}

// AdapterUnsupported is returned by the model loader when a requested
// adapter flavor is not supported for the target architecture (spec §4.4).
func AdapterUnsupported(arch, adapter string) *Error {
	return &Error{
		Kind:    KindUnsupported,
		Code:    "adapter_unsupported",
		Message: fmt.Sprintf("adapter %q unsupported for architecture %q", adapter, arch),
	}
}

// Is allows errors.Is(err, errs.New(errs.KindCancelled, "")) style checks
// by kind: any *Error target with the same Kind matches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
