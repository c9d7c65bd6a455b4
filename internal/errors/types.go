package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeCompile    ErrorType = "compile"
	ErrorTypeDependency ErrorType = "dependency"
	ErrorTypeDiff       ErrorType = "diff"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeScheduler  ErrorType = "scheduler"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
)

// QuireError is a structured error type with context.
type QuireError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *QuireError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *QuireError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *QuireError) Is(target error) bool {
	var t *QuireError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *QuireError) WithContext(key string, value interface{}) *QuireError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *QuireError) WithLocation(filePath string, line, column int) *QuireError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithComponent adds component context.
func (e *QuireError) WithComponent(component string) *QuireError {
	e.Component = component

	return e
}

// NewCompileError creates a per-page source compile error.
func NewCompileError(code, message string, cause error) *QuireError {
	return &QuireError{
		Type:        ErrorTypeCompile,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewDependencyError creates an error for a shared file that could not be
// resolved. It surfaces as a compile error of every dependent page.
func NewDependencyError(code, message string, cause error) *QuireError {
	return &QuireError{
		Type:        ErrorTypeDependency,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewDiffError creates a diff invariant violation.
func NewDiffError(code, message string) *QuireError {
	return &QuireError{
		Type:        ErrorTypeDiff,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewTransportError creates a session level error.
func NewTransportError(code, message string, cause error) *QuireError {
	return &QuireError{
		Type:        ErrorTypeTransport,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *QuireError {
	return &QuireError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *QuireError {
	return &QuireError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *QuireError {
	return &QuireError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *QuireError {
	return &QuireError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var qe *QuireError
	if errors.As(err, &qe) {
		return qe.Recoverable
	}

	return false
}

// IsType reports whether err carries a QuireError of the given type.
func IsType(err error, errType ErrorType) bool {
	var qe *QuireError
	if errors.As(err, &qe) {
		return qe.Type == errType
	}

	return false
}

// HasCode reports whether err carries a QuireError with the given code.
func HasCode(err error, code string) bool {
	var qe *QuireError
	if errors.As(err, &qe) {
		return qe.Code == code
	}

	return false
}

// IsCompileError checks if an error belongs to a single page compile,
// dependency resolution failures included.
func IsCompileError(err error) bool {
	return IsType(err, ErrorTypeCompile) || IsType(err, ErrorTypeDependency)
}

// Common error codes.
const (
	ErrCodeCompileFailed     = "ERR_COMPILE_FAILED"
	ErrCodeFrontMatter       = "ERR_FRONT_MATTER"
	ErrCodeMetaInvalid       = "ERR_META_INVALID"
	ErrCodeMissingDependency = "ERR_MISSING_DEPENDENCY"
	ErrCodeDependencyCycle   = "ERR_DEPENDENCY_CYCLE"
	ErrCodePermalinkConflict = "ERR_PERMALINK_CONFLICT"
	ErrCodeAnchorNotFound    = "ERR_ANCHOR_NOT_FOUND"
	ErrCodeMalformedTree     = "ERR_MALFORMED_TREE"
	ErrCodeMalformedMessage  = "ERR_MALFORMED_MESSAGE"
	ErrCodeSendFailed        = "ERR_SEND_FAILED"
	ErrCodeConfigInvalid     = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound      = "ERR_FILE_NOT_FOUND"
	ErrCodeInternalError     = "ERR_INTERNAL"
	ErrCodeValidationFailed  = "ERR_VALIDATION_FAILED"
	ErrCodeStateUnavailable  = "ERR_STATE_UNAVAILABLE"
)
