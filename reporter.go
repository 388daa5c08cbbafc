package apiprobe

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jpalmerr/apiprobe/internal/batch"
	"github.com/jpalmerr/apiprobe/internal/metrics"
)

const (
	defaultTagPrefix = "api"

	// genericTag labels failures caught by the scheduler, where no operation
	// name is available.
	genericTag = "<batch>"
)

// Callback is the error-first completion callback passed to operations.
//
// result is the decoded response value and resp the raw HTTP response, when
// the operation produced one.
type Callback func(err error, result any, resp *http.Response)

// Reporter writes failure diagnostics and builds per-operation handlers.
//
// Each diagnostic is a block of the form "<tag>\n <normalized error>\n\n\n".
// Reporter is safe for concurrent use; callbacks may fire from any goroutine.
type Reporter struct {
	mu      sync.Mutex
	w       io.Writer
	prefix  string
	logger  *slog.Logger
	metrics *metrics.Metrics

	failures atomic.Int64
}

// NewReporter creates a [Reporter] writing diagnostics to w.
//
// prefix is prepended to operation names in tags ("<prefix.name>"); an empty
// prefix yields "<name>". A nil w writes to os.Stderr and a nil logger uses
// slog.Default().
func NewReporter(w io.Writer, prefix string, logger *slog.Logger) *Reporter {
	if w == nil {
		w = os.Stderr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		w:      w,
		prefix: prefix,
		logger: logger,
	}
}

// Tag returns the diagnostic tag for an operation name.
func (r *Reporter) Tag(name string) string {
	if r.prefix == "" {
		return "<" + name + ">"
	}
	return "<" + r.prefix + "." + name + ">"
}

// Failures returns the number of failures reported so far.
func (r *Reporter) Failures() int {
	return int(r.failures.Load())
}

// Report normalizes err (trace included) and writes a diagnostic block
// under tag. A nil err is ignored.
func (r *Reporter) Report(tag string, err error) {
	if err == nil {
		return
	}

	msg := NormalizeError(err, false)
	class := failureClass(err)

	r.mu.Lock()
	_, _ = fmt.Fprintf(r.w, "%s\n %s\n\n\n", tag, msg)
	r.mu.Unlock()

	r.failures.Add(1)
	r.metrics.Failure(tag, class)
	r.logger.Warn("operation failed",
		"tag", tag,
		"class", class,
		"error", err.Error(),
	)
}

// handlerConfig holds optional handler behaviour.
type handlerConfig struct {
	acceptStatus  []int
	onSuccess     func(result any, resp *http.Response)
	expectFailure bool
}

// HandlerOption configures a handler built by [Reporter.Handler].
type HandlerOption func(*handlerConfig)

// AcceptStatus treats a [TransportError] with one of the given status codes
// as a passing outcome. Useful for endpoints that answer with a redirect.
func AcceptStatus(codes ...int) HandlerOption {
	return func(cfg *handlerConfig) {
		cfg.acceptStatus = append(cfg.acceptStatus, codes...)
	}
}

// OnSuccess runs fn after an outcome passes validation. fn runs on the
// goroutine that invoked the callback; a panic in fn is reported as a
// failure of the operation.
func OnSuccess(fn func(result any, resp *http.Response)) HandlerOption {
	return func(cfg *handlerConfig) {
		cfg.onSuccess = fn
	}
}

// ExpectFailure inverts the check for operations that are meant to fail:
// any error passes, and a completed call is reported with a
// [ValidationError]. OnSuccess hooks never run for such a handler.
func ExpectFailure() HandlerOption {
	return func(cfg *handlerConfig) {
		cfg.expectFailure = true
	}
}

// Handler returns the completion callback for the named operation.
//
// On each invocation the callback:
//  1. treats a non-nil err as a failure, skipping validation;
//  2. otherwise rejects a nil result or an empty slice/array with a
//     [ValidationError];
//  3. reports a failure through [Reporter.Report] under the operation's tag;
//  4. stays silent on success.
//
// The callback never panics and never propagates failures. Invoking it more
// than once simply evaluates each outcome independently.
func (r *Reporter) Handler(name string, opts ...HandlerOption) Callback {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	tag := r.Tag(name)

	return func(err error, result any, resp *http.Response) {
		defer func() {
			if rec := recover(); rec != nil {
				perr := batch.NewPanicError(rec)
				r.logger.Error("handler panic",
					"operation", name,
					"correlation_id", perr.CorrelationID,
					"stack", perr.Stack,
				)
				r.Report(tag, perr)
			}
		}()

		if cfg.expectFailure {
			if err == nil {
				r.Report(tag, &ValidationError{Reason: "expected the call to fail, got a result"})
				return
			}
			r.logger.Debug("operation failed as expected",
				"operation", name,
				"error", NormalizeError(err, true),
			)
			return
		}

		if err != nil {
			if cfg.accepts(err) {
				r.logger.Debug("operation passed with accepted status", "operation", name)
				return
			}
			r.Report(tag, err)
			return
		}

		if verr := validateResult(result); verr != nil {
			r.Report(tag, verr)
			return
		}

		r.logger.Debug("operation passed", "operation", name)
		if cfg.onSuccess != nil {
			cfg.onSuccess(result, resp)
		}
	}
}

// accepts reports whether err is a transport error with an accepted status.
func (cfg *handlerConfig) accepts(err error) bool {
	if len(cfg.acceptStatus) == 0 {
		return false
	}
	te, ok := asTransport(err)
	return ok && slices.Contains(cfg.acceptStatus, te.StatusCode)
}

// validateResult applies the uniform result check: a value must be present,
// and a list must be non-empty.
func validateResult(result any) error {
	if result == nil {
		return &ValidationError{Reason: "expected a result, got none"}
	}

	v := reflect.ValueOf(result)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return &ValidationError{Reason: "expected a non-empty list, got an empty list"}
		}
	case reflect.Pointer, reflect.Map, reflect.Interface:
		if v.IsNil() {
			return &ValidationError{Reason: "expected a result, got none"}
		}
	}
	return nil
}
