package apiprobe

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/jpalmerr/apiprobe/internal/batch"
)

// maxTraceDepth bounds the number of frames captured by [NewFault].
const maxTraceDepth = 32

// TransportError describes a failed request to the remote API.
//
// A TransportError with a non-zero StatusCode and a non-empty Body is an
// HTTP-status error carrying a response body; [NormalizeError] renders it as
// a synthesized message without a trace. Any other TransportError (connection
// refused, timeout, empty error body) is rendered like a generic error, with
// the request method and URL in its message.
type TransportError struct {
	// Method is the HTTP method of the failed request.
	Method string

	// URL is the fully resolved request URL.
	URL string

	// StatusCode is the HTTP status code. Zero if no response was received.
	StatusCode int

	// Body is the response body, limited to 1MB.
	Body string

	// Err is the underlying cause for failures without a response.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s %s: request failed", e.Method, e.URL)
	}
}

// Unwrap returns the underlying cause, if any.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Kind returns the error kind label used by [NormalizeError].
func (e *TransportError) Kind() string {
	return "TransportError"
}

// hasStatusBody reports whether the error carries both a status code and a body.
func (e *TransportError) hasStatusBody() bool {
	return e.StatusCode != 0 && e.Body != ""
}

// asTransport returns the [TransportError] in err's chain, if any.
func asTransport(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Fault is a generic error with an explicit kind label and the call stack
// captured at construction.
type Fault struct {
	kind    string
	message string
	trace   string
}

// NewFault creates a [Fault] of the given kind, capturing the caller's stack.
//
// Example:
//
//	err := apiprobe.NewFault("TypeError", "bad arg %q", name)
func NewFault(kind, format string, args ...any) *Fault {
	return &Fault{
		kind:    kind,
		message: fmt.Sprintf(format, args...),
		trace:   captureTrace(3),
	}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return f.message
}

// Kind returns the fault's kind label.
func (f *Fault) Kind() string {
	return f.kind
}

// Trace returns the stack captured when the fault was created.
func (f *Fault) Trace() string {
	return f.trace
}

// ValidationError reports a completed operation whose result was not
// acceptable: absent, or an empty list.
type ValidationError struct {
	// Reason describes why the result was rejected.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Reason
}

// Kind returns the error kind label used by [NormalizeError].
func (e *ValidationError) Kind() string {
	return "ValidationError"
}

// PanicError is a recovered panic, carrying the goroutine stack at the
// point of recovery and a correlation ID that also appears in the logs.
type PanicError = batch.PanicError

// captureTrace formats the current call stack, skipping skip frames.
func captureTrace(skip int) string {
	pcs := make([]uintptr, maxTraceDepth)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return ""
	}

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "    at %s (%s:%d)\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
