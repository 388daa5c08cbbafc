package apiprobe

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jpalmerr/apiprobe/internal/batch"
	"github.com/jpalmerr/apiprobe/internal/metrics"
)

const (
	defaultBatchSize     = 1
	defaultBatchInterval = time.Second
)

// Operation is a zero-argument unit of work invoked by a [Runner].
//
// An operation typically starts a request and returns at once, reporting
// the outcome later through a [Callback]. A returned error or a panic is a
// synchronous failure; it is reported under the generic "<batch>" tag.
type Operation func() error

// Runner invokes operations in timed batches and reports their failures.
//
// Runner is created using [New] with functional options and driven with
// [Runner.Run]. The typical lifecycle is:
//
//	runner, err := apiprobe.New(apiprobe.WithBatchSize(3))
//	if err != nil {
//	    slog.Error("failed to create runner", "error", err)
//	    os.Exit(1)
//	}
//
//	handler := runner.Reporter().Handler("showUser")
//	ops := []apiprobe.Operation{
//	    func() error { client.Call(ctx, "GET", "/users/show.json", nil, handler); return nil },
//	}
//	_ = runner.Run(ctx, ops)
type Runner struct {
	batchSize     int
	batchInterval time.Duration
	logger        *slog.Logger
	reporter      *Reporter
	metrics       *metrics.Metrics
}

// New creates a new [Runner] instance with the given options.
//
// Defaults:
//   - Batch size: 1
//   - Batch interval: 1 second
//   - Diagnostics: os.Stderr
//   - Tag prefix: "api"
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*Runner, error) {
	cfg := &runnerConfig{
		batchSize:     defaultBatchSize,
		batchInterval: defaultBatchInterval,
		diagnostics:   os.Stderr,
		tagPrefix:     defaultTagPrefix,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	var m *metrics.Metrics
	if cfg.registerer != nil {
		m = metrics.New(cfg.registerer)
	}

	reporter := NewReporter(cfg.diagnostics, cfg.tagPrefix, logger)
	reporter.metrics = m

	return &Runner{
		batchSize:     cfg.batchSize,
		batchInterval: cfg.batchInterval,
		logger:        logger,
		reporter:      reporter,
		metrics:       m,
	}, nil
}

// Reporter returns the runner's [Reporter], used to build operation handlers.
func (r *Runner) Reporter() *Reporter {
	return r.reporter
}

// BatchSize returns the number of operations invoked per tick.
func (r *Runner) BatchSize() int {
	return r.batchSize
}

// BatchInterval returns the delay between ticks.
func (r *Runner) BatchInterval() time.Duration {
	return r.batchInterval
}

// Run invokes ops in order, BatchSize at a time, waiting BatchInterval
// between batches, until every operation has been invoked.
//
// Run blocks until the queue has drained. It does not wait for operations
// that complete asynchronously. A failing operation never stops the run.
//
// Returns ctx.Err() if ctx is cancelled before every operation was invoked,
// nil otherwise.
func (r *Runner) Run(ctx context.Context, ops []Operation) error {
	queue := make([]batch.Operation, len(ops))
	for i, op := range ops {
		queue[i] = batch.Operation(op)
	}

	r.logger.Info("batch run starting",
		"operations", len(ops),
		"batch_size", r.batchSize,
		"batch_interval", r.batchInterval.String(),
	)

	onFailure := func(err error) {
		r.reporter.Report(genericTag, err)
	}
	scheduler := batch.NewScheduler(queue, r.batchSize, r.batchInterval, onFailure, r.logger,
		batch.WithMetrics(r.metrics),
	)

	scheduler.Start(ctx)
	<-scheduler.Done()
	scheduler.Stop()

	if remaining := scheduler.Remaining(); remaining > 0 {
		r.logger.Warn("batch run cancelled",
			"remaining", remaining,
			"ticks", scheduler.Ticks(),
		)
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}

	r.logger.Info("batch run drained",
		"ticks", scheduler.Ticks(),
		"failures_reported", r.reporter.Failures(),
	)
	return nil
}
