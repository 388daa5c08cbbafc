package apiprobe

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// runnerConfig holds mutable state during Runner construction.
type runnerConfig struct {
	batchSize     int
	batchInterval time.Duration
	logger        *slog.Logger
	diagnostics   io.Writer
	tagPrefix     string
	registerer    prometheus.Registerer
}

// Option is a function that configures a [Runner] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
//
// Built-in options: [WithBatchSize], [WithBatchInterval], [WithLogger],
// [WithDiagnostics], [WithTagPrefix], [WithRegisterer].
type Option func(*runnerConfig) error

// WithBatchSize sets how many operations are invoked per tick.
//
// Zero keeps the default of 1.
//
// Example:
//
//	runner, err := apiprobe.New(apiprobe.WithBatchSize(3))
//
// Returns an error if n is negative.
func WithBatchSize(n int) Option {
	return func(cfg *runnerConfig) error {
		if n < 0 {
			return errors.New("batch size cannot be negative")
		}
		if n > 0 {
			cfg.batchSize = n
		}
		return nil
	}
}

// WithBatchInterval sets the delay between the end of one tick and the
// start of the next.
//
// Zero keeps the default of 1 second.
//
// Example:
//
//	runner, err := apiprobe.New(apiprobe.WithBatchInterval(500 * time.Millisecond))
//
// Returns an error if d is negative.
func WithBatchInterval(d time.Duration) Option {
	return func(cfg *runnerConfig) error {
		if d < 0 {
			return errors.New("batch interval cannot be negative")
		}
		if d > 0 {
			cfg.batchInterval = d
		}
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Runner and its [Reporter].
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *runnerConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithDiagnostics sets where failure diagnostics are written.
//
// If not specified, diagnostics go to os.Stderr.
//
// Returns an error if w is nil.
func WithDiagnostics(w io.Writer) Option {
	return func(cfg *runnerConfig) error {
		if w == nil {
			return errors.New("diagnostics writer cannot be nil")
		}
		cfg.diagnostics = w
		return nil
	}
}

// WithTagPrefix sets the prefix used in diagnostic tags, e.g. "Twitter"
// yields "<Twitter.showUser>".
//
// If not specified, defaults to "api". An empty prefix yields "<showUser>".
func WithTagPrefix(prefix string) Option {
	return func(cfg *runnerConfig) error {
		cfg.tagPrefix = prefix
		return nil
	}
}

// WithRegisterer records run metrics on reg.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	runner, err := apiprobe.New(apiprobe.WithRegisterer(reg))
//
// Returns an error if reg is nil.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *runnerConfig) error {
		if reg == nil {
			return errors.New("registerer cannot be nil")
		}
		cfg.registerer = reg
		return nil
	}
}
