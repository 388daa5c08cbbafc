package batch

import (
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
)

// PanicError is a recovered panic.
type PanicError struct {
	// Value is the value passed to panic.
	Value any

	// Stack is the goroutine stack at the point of recovery.
	Stack string

	// CorrelationID ties the rendered error to the log entry holding the stack.
	CorrelationID string
}

// NewPanicError wraps a recovered value, capturing the current stack.
// Call it from the deferred function that recovered.
func NewPanicError(v any) *PanicError {
	return &PanicError{
		Value:         v,
		Stack:         string(debug.Stack()),
		CorrelationID: uuid.NewString(),
	}
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("%v (correlation_id: %s)", e.Value, e.CorrelationID)
}

// Unwrap returns the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Kind labels the error as a panic.
func (e *PanicError) Kind() string {
	return "panic"
}

// Trace returns the recovered stack.
func (e *PanicError) Trace() string {
	return e.Stack
}
