// internal/etcherr/etcherr.go
package etcherr

import (
	"fmt"
	"strings"
)

// ErrorType classifies where in the pipeline an error arose.
type ErrorType string

const (
	CompileError ErrorType = "CompileError"
	LoadError    ErrorType = "LoadError"
	RuntimeError ErrorType = "RuntimeError"
	TypeError    ErrorType = "TypeError"
)

// SourceLocation represents a location in source code.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error carries a typed diagnostic with an optional source location and
// call-stack snapshot.
type Error struct {
	Type      ErrorType
	Message   string
	Location  SourceLocation
	CallStack []StackFrame
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %s", e.Type, e.Message))
	if e.Location.File != "" {
		sb.WriteString(fmt.Sprintf("\n  at %s:%d:%d",
			e.Location.File, e.Location.Line, e.Location.Column))
	}
	if len(e.CallStack) > 0 {
		sb.WriteString("\nCall Stack:")
		for _, frame := range e.CallStack {
			if frame.Function != "" {
				sb.WriteString(fmt.Sprintf("\n  at %s (%s:%d)",
					frame.Function, frame.File, frame.Line))
			} else {
				sb.WriteString(fmt.Sprintf("\n  at %s:%d", frame.File, frame.Line))
			}
		}
	}
	return sb.String()
}

// NewCompileError creates a compile-time error pinned to a source location.
func NewCompileError(message, file string, line, column int) *Error {
	return &Error{
		Type:    CompileError,
		Message: message,
		Location: SourceLocation{
			File:   file,
			Line:   line,
			Column: column,
		},
	}
}

// NewLoadError creates a bytecode-load error. Load errors have no source
// location; the offending artifact is a file path in the message.
func NewLoadError(format string, args ...interface{}) *Error {
	return &Error{
		Type:    LoadError,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewRuntimeError creates a runtime error pinned to a source location.
func NewRuntimeError(message, file string, line int) *Error {
	return &Error{
		Type:    RuntimeError,
		Message: message,
		Location: SourceLocation{
			File: file,
			Line: line,
		},
	}
}

// WithStack attaches a call-stack snapshot.
func (e *Error) WithStack(stack []StackFrame) *Error {
	e.CallStack = stack
	return e
}

// AddStackFrame appends a single stack frame.
func (e *Error) AddStackFrame(function, file string, line int) *Error {
	e.CallStack = append(e.CallStack, StackFrame{
		Function: function,
		File:     file,
		Line:     line,
	})
	return e
}
