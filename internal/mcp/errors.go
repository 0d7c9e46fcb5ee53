package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/localmind/localmind/internal/errs"
)

// Tool error subcategories, carried as errs.Error.Code under
// errs.KindToolError (spec C9: "Transport, Timeout, ServerError{Code,
// Message}, ToolNotFound, SchemaMismatch, CircuitOpen — none propagate as
// a panic"). Reusing the repo-wide errs taxonomy instead of a bespoke
// error type per kind keeps every caller's error handling (HTTP mapping,
// logging) uniform across C4-C10.
const (
	CodeTransport      = "transport"
	CodeTimeout        = "timeout"
	CodeServerError    = "server_error"
	CodeToolNotFound   = "tool_not_found"
	CodeSchemaMismatch = "schema_mismatch"
	CodeCircuitOpen    = "circuit_open"
)

func errTransport(server string, err error) *errs.Error {
	return &errs.Error{Kind: errs.KindToolError, Code: CodeTransport, Message: fmt.Sprintf("mcp: %s: transport", server), Err: err}
}

func errTimeout(server, method string) *errs.Error {
	return errs.WithCode(errs.KindToolError, CodeTimeout, fmt.Sprintf("mcp: %s: %s: timed out", server, method))
}

func errServer(server string, code int, message string) *errs.Error {
	return errs.WithCode(errs.KindToolError, CodeServerError, fmt.Sprintf("mcp: %s: server error %d: %s", server, code, message))
}

func errToolNotFound(name string) *errs.Error {
	return errs.WithCode(errs.KindToolError, CodeToolNotFound, fmt.Sprintf("mcp: unknown tool %q", name))
}

func errSchemaMismatch(tool string, err error) *errs.Error {
	return &errs.Error{Kind: errs.KindToolError, Code: CodeSchemaMismatch, Message: fmt.Sprintf("mcp: %s: schema mismatch", tool), Err: err}
}

func errCircuitOpen(server string) *errs.Error {
	return errs.WithCode(errs.KindToolError, CodeCircuitOpen, fmt.Sprintf("mcp: %s: circuit open, refusing call", server))
}

// RecoveryAction says how the registry should respond to an operation
// failure: retry against a fresh connection, or give up (tarsy's
// recovery.go ClassifyError pattern).
type RecoveryAction int

const (
	// NoRetry — the failure is not recoverable by retrying (bad request,
	// auth failure, a tool-level error, a deadline that already expired).
	NoRetry RecoveryAction = iota
	// RetryNewSession — the transport itself failed; recreate the
	// connection before the next attempt.
	RetryNewSession
)

// ClassifyError determines the recovery action for an operation failure.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var toolErr *errs.Error
	if errors.As(err, &toolErr) && toolErr.Kind == errs.KindToolError {
		if toolErr.Code == CodeTransport {
			return RetryNewSession
		}
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry
		}
		return RetryNewSession
	}
	if isConnectionError(err) {
		return RetryNewSession
	}
	return NoRetry
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "connection closed", "no such host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
