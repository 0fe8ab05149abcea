// Package serviceerror provides the coded error shared by the stores and
// registries, plus the structured log line that accompanies it.
package serviceerror

import (
	"fmt"

	"go.uber.org/zap"
)

// Error carries a stable "<operation>.<reason>" code.
type Error struct {
	code string
	err  error
}

// New builds an Error for the operation and reason, wrapping cause.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *Error) Code() string {
	return e.code
}

// Log writes message at error level with operation and reason fields.
func Log(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}
