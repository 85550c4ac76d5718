// Package tlerr provides standardized error handling for tunelab.
// All errors have stable, machine-readable codes, structured context, and proper wrapping.
package tlerr

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code represents a stable, machine-readable error code.
// Format: E{category}{number} where category is 1-9 and number is 001-999.
type Code string

// Error codes organized by category.
const (
	// Config errors (E1xxx) - problems with configuration
	ErrConfigInvalid Code = "E1001" // Config file is malformed or invalid
	ErrConfigMissing Code = "E1002" // Required configuration value is missing

	// Store errors (E2xxx) - problems with the plugin/practice store
	ErrStoreOpen      Code = "E2001" // Database connection failed
	ErrStoreExec      Code = "E2002" // SQL statement failed to execute
	ErrPluginNotFound Code = "E2003" // Plugin id does not exist in the store

	// Fetch errors (E3xxx) - problems with the fetchUrl capability
	ErrFetchFailed   Code = "E3001" // Outbound HTTP request failed
	ErrFetchBlocked  Code = "E3002" // URL blocked by fetch policy
	ErrFetchTooLarge Code = "E3003" // Response body exceeded the size cap

	// Query errors (E4xxx) - gatekeeper rejections of plugin SQL
	ErrQueryRejected Code = "E4001" // Statement is not an allowed SELECT
	ErrQueryTable    Code = "E4002" // Statement references a table outside the allow-list
	ErrQueryLimit    Code = "E4003" // Explicit LIMIT exceeds the row cap

	// Script errors (E5xxx) - problems with plugin JS execution
	ErrScript         Code = "E5001" // Plugin script threw or failed to evaluate
	ErrScriptTimeout  Code = "E5002" // Plugin script exceeded its wall-clock budget
	ErrEntryMissing   Code = "E5003" // Script does not define the target entry point
	ErrPendingPromise Code = "E5004" // Script returned a promise that never settled

	// Worker errors (E6xxx) - dispatcher/worker transport faults
	ErrBridgeUnavailable Code = "E6001" // Script used a capability the caller supplied no bridge for
	ErrWorkerReset       Code = "E6002" // Invocation aborted by a full worker reset
	ErrWorkerFatal       Code = "E6003" // Worker transport crashed or sent a malformed message
	ErrSessionClosed     Code = "E6004" // Session was closed while the invocation was pending

	// Integrity errors (E7xxx) - plugin script tamper detection
	ErrIntegrity Code = "E7001" // Merkle root does not match the stored root

	// Internal errors (E9xxx) - unexpected internal errors
	ErrInternal Code = "E9001" // Internal error
)

// Error is the standard error type for tunelab.
// It provides structured error information with codes, context, and wrapping support.
type Error struct {
	code    Code           // Machine-readable error code
	message string         // Human-readable error message
	context map[string]any // Structured context data
	cause   error          // Wrapped underlying error
	stack   string         // Stack trace for debugging
}

// Error returns the formatted error string.
// Format:
//
//	[E4002] query references a table outside the allow-list
//	  table: secrets
//	  sql: SELECT * FROM secrets
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.code, e.message))

	// Write context in sorted order for deterministic output
	if len(e.context) > 0 {
		keys := make([]string, 0, len(e.context))
		for k := range e.context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			b.WriteString(fmt.Sprintf("\n  %s: %v", k, e.context[k]))
		}
	}

	if e.cause != nil {
		b.WriteString(fmt.Sprintf("\n  cause: %v", e.cause))
	}

	return b.String()
}

// Unwrap returns the underlying cause error for errors.Unwrap compatibility.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether the target error matches this error.
// It matches if target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	var targetErr *Error
	if errors.As(target, &targetErr) {
		return e.code == targetErr.code
	}

	return false
}

// GetCode returns the error code.
func (e *Error) GetCode() Code {
	return e.code
}

// GetMessage returns the error message.
func (e *Error) GetMessage() string {
	return e.message
}

// GetContext returns the error context map.
func (e *Error) GetContext() map[string]any {
	return e.context
}

// GetCause returns the underlying cause error.
func (e *Error) GetCause() error {
	return e.cause
}

// GetStack returns the stack trace.
func (e *Error) GetStack() string {
	return e.stack
}

// With adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) With(key string, value any) *Error {
	if e.context == nil {
		e.context = make(map[string]any)
	}
	e.context[key] = value
	return e
}

// WithPlugin adds plugin identity context to the error.
func (e *Error) WithPlugin(id, name string) *Error {
	if id != "" {
		e.With("plugin_id", id)
	}
	if name != "" {
		e.With("plugin", name)
	}
	return e
}

// WithSQL adds SQL statement context to the error.
func (e *Error) WithSQL(sql string) *Error {
	return e.With("sql", sql)
}

// WithEntry adds entry-point context to the error.
func (e *Error) WithEntry(entry string) *Error {
	return e.With("entry", entry)
}

// WithHelp adds a help suggestion to the error (displayed as "help: ...").
func (e *Error) WithHelp(help string) *Error {
	helps, _ := e.context["helps"].([]string)
	helps = append(helps, help)
	return e.With("helps", helps)
}

// Helps returns all help suggestions attached to this error.
func (e *Error) Helps() []string {
	helps, _ := e.context["helps"].([]string)
	return helps
}

// captureStack captures a stack trace for debugging.
func captureStack(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return ""
	}

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		// Skip runtime internals
		if strings.Contains(frame.File, "runtime/") {
			if !more {
				break
			}
			continue
		}
		b.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return b.String()
}

// New creates a new Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{
		code:    code,
		message: msg,
		context: make(map[string]any),
		stack:   captureStack(3),
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		code:    code,
		message: fmt.Sprintf(format, args...),
		context: make(map[string]any),
		stack:   captureStack(3),
	}
}

// Wrap creates a new Error that wraps an existing error.
func Wrap(code Code, err error, msg string) *Error {
	if err == nil {
		return New(code, msg)
	}
	return &Error{
		code:    code,
		message: msg,
		context: make(map[string]any),
		cause:   err,
		stack:   captureStack(3),
	}
}

// Wrapf creates a new Error that wraps an existing error with a formatted message.
func Wrapf(code Code, err error, format string, args ...any) *Error {
	return Wrap(code, err, fmt.Sprintf(format, args...))
}

// GetErrorCode extracts the error code from an error chain.
// Returns empty string if no code is found.
func GetErrorCode(err error) Code {
	if err == nil {
		return ""
	}

	var terr *Error
	if errors.As(err, &terr) {
		return terr.code
	}

	return ""
}

// GetMessage extracts the message from an error chain. Falls back to the
// full error string for errors without a code.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var terr *Error
	if errors.As(err, &terr) {
		return terr.message
	}

	return err.Error()
}

// Helps extracts the help suggestions from an error chain.
func Helps(err error) []string {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Helps()
	}
	return nil
}

// Is checks if an error has the specified code.
func Is(err error, code Code) bool {
	return GetErrorCode(err) == code
}

// HasCode checks if an error has any error code.
func HasCode(err error) bool {
	return GetErrorCode(err) != ""
}
