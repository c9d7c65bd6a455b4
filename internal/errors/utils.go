package errors

import (
	"errors"
)

// Wrap wraps an error with additional context, creating a QuireError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *QuireError {
	if err == nil {
		return nil
	}

	// Keep location and component from an inner QuireError
	var qe *QuireError
	if errors.As(err, &qe) {
		return &QuireError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       qe,
			Context:     qe.Context,
			Component:   qe.Component,
			FilePath:    qe.FilePath,
			Line:        qe.Line,
			Column:      qe.Column,
			Recoverable: qe.Recoverable,
		}
	}

	return &QuireError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
		Recoverable: errType == ErrorTypeValidation ||
			errType == ErrorTypeCompile ||
			errType == ErrorTypeDependency,
	}
}

// WrapCompile wraps an error as a compile error of the given source file
func WrapCompile(err error, code, message, filePath string) *QuireError {
	qe := Wrap(err, ErrorTypeCompile, code, message)
	if qe != nil && qe.FilePath == "" {
		qe.FilePath = filePath
	}
	return qe
}

// WrapIO wraps an error as an I/O error
func WrapIO(err error, code, message string) *QuireError {
	qe := Wrap(err, ErrorTypeIO, code, message)
	if qe != nil {
		qe.Recoverable = false
	}
	return qe
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, code, message string) *QuireError {
	qe := Wrap(err, ErrorTypeConfig, code, message)
	if qe != nil {
		qe.Recoverable = false
	}
	return qe
}

// Diagnostic renders err the way it is shown to a browser: the innermost
// message with its location, without internal error codes.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var qe *QuireError
	if !errors.As(err, &qe) {
		return err.Error()
	}
	plain := *qe
	plain.Code = ""
	plain.Component = ""
	return plain.Error()
}
