package apiprobe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// errorClass is the classification of a failure value.
type errorClass int

const (
	classNone errorClass = iota
	classTransport
	classGeneric
)

// kinded is implemented by errors that carry a kind label.
type kinded interface {
	Kind() string
}

// traced is implemented by errors that carry an origin trace.
type traced interface {
	Trace() string
}

// classify determines how err is rendered. The transport class only applies
// to a [TransportError] with both a status code and a response body.
func classify(err error) (errorClass, *TransportError) {
	if err == nil {
		return classNone, nil
	}
	if te, ok := asTransport(err); ok && te.hasStatusBody() {
		return classTransport, te
	}
	return classGeneric, nil
}

// NormalizeError renders any error as a single human-readable string.
//
// A nil error renders as the empty string. A [TransportError] carrying a
// status code and a body is rendered from the body: a JSON object (or an
// array of objects) yields "<error> (<status>): <request>", anything else
// yields "(<status>): <body>". Those messages never include a trace.
//
// Every other error renders as "<kind>: <message>\n<trace>", where the kind
// comes from a Kind() string method and the trace from a Trace() string
// method, when the error (or anything it wraps) has them. suppressTrace
// drops the trace.
//
// Example:
//
//	NormalizeError(&TransportError{StatusCode: 500, Body: "oops"}, false)
//	// "(500): oops"
func NormalizeError(err error, suppressTrace bool) string {
	class, te := classify(err)
	switch class {
	case classNone:
		return ""
	case classTransport:
		return transportMessage(te)
	default:
		return renderGeneric(err, suppressTrace)
	}
}

// transportMessage synthesizes the message for a status-with-body error.
func transportMessage(te *TransportError) string {
	var payload any
	if err := json.Unmarshal([]byte(te.Body), &payload); err == nil {
		if obj, ok := structuredObject(payload); ok {
			return fmt.Sprintf("%s (%d): %s", errorText(obj), te.StatusCode, fieldString(obj["request"]))
		}
	}
	return fmt.Sprintf("(%d): %s", te.StatusCode, te.Body)
}

// structuredObject returns the object an error payload describes: the
// payload itself, or the first element of an array of objects.
func structuredObject(payload any) (map[string]any, bool) {
	switch v := payload.(type) {
	case map[string]any:
		return v, true
	case []any:
		if len(v) == 0 {
			return nil, false
		}
		obj, ok := v[0].(map[string]any)
		return obj, ok
	default:
		return nil, false
	}
}

// errorText picks the error text from a decoded error payload.
// Lookup order: "error", then "errors[0].message", then "message".
func errorText(obj map[string]any) string {
	if s := fieldString(obj["error"]); s != "" {
		return s
	}
	if list, ok := obj["errors"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			if s := fieldString(first["message"]); s != "" {
				return s
			}
		}
	}
	return fieldString(obj["message"])
}

// fieldString renders a decoded JSON value as text.
func fieldString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// renderGeneric renders kind, message and trace.
func renderGeneric(err error, suppressTrace bool) string {
	var b strings.Builder

	var k kinded
	if errors.As(err, &k) && k.Kind() != "" {
		b.WriteString(k.Kind())
		b.WriteString(": ")
	}

	if msg := err.Error(); msg != "" {
		b.WriteString(msg)
		b.WriteByte('\n')
	}

	var t traced
	if !suppressTrace && errors.As(err, &t) {
		b.WriteString(t.Trace())
	}

	// an error with no kind, message or trace still needs a visible rendering
	if b.Len() == 0 {
		return fmt.Sprintf("%T\n", err)
	}
	return b.String()
}

// failureClass returns the low-cardinality label used for failure metrics.
func failureClass(err error) string {
	class, _ := classify(err)
	if class == classTransport {
		return "transport"
	}

	var (
		verr *ValidationError
		perr *PanicError
	)
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &perr):
		return "panic"
	}
	if _, ok := asTransport(err); ok {
		return "network"
	}
	return "generic"
}
