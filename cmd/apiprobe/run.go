package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jpalmerr/apiprobe"
	"github.com/jpalmerr/apiprobe/config"
)

// defaultWait bounds how long run waits for in-flight calls after the last batch.
const defaultWait = 30 * time.Second

// newLogger creates the CLI logger. Text output uses tint, json output the
// standard JSON handler.
func newLogger(w io.Writer, format string, debug bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	switch format {
	case "", "text":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(w),
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (expected text or json)", format)
	}
}

// isTerminal reports whether w is a character device.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// runCmd runs every probe in a probe file.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the probes in a probe file",
	Long: `Run every probe in a probe file against the configured API.

The run will:
  - Load variables from the .env file, if present
  - Load the probe file and apply APIPROBE_* environment overrides
  - Start batch_size probes every batch_interval until all have started
  - Wait up to --wait for in-flight calls and follow-ups to finish

Each failure is written to stderr as a diagnostic block. The run stops
early if interrupted (Ctrl+C) or on SIGTERM.

Example:
  apiprobe run -c probes.yaml
  apiprobe run -c probes.yaml --metrics-file /var/lib/node_exporter/apiprobe.prom`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to probe file (required)")
	runCmd.Flags().String("env-file", ".env", "path to a .env file loaded before the probe file")
	runCmd.Flags().String("metrics-file", "", "write Prometheus metrics to this file after the run")
	runCmd.Flags().String("log-format", "text", "log format: text or json")
	runCmd.Flags().Bool("debug", false, "enable debug logging")
	runCmd.Flags().Bool("strict", false, "exit with an error if any probe failed")
	runCmd.Flags().Duration("wait", defaultWait, "how long to wait for in-flight calls after the last batch")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	metricsFile, _ := cmd.Flags().GetString("metrics-file")
	logFormat, _ := cmd.Flags().GetString("log-format")
	debug, _ := cmd.Flags().GetBool("debug")
	strict, _ := cmd.Flags().GetBool("strict")
	wait, _ := cmd.Flags().GetDuration("wait")

	stderr := cmd.ErrOrStderr()
	logger, err := newLogger(stderr, logFormat, debug)
	if err != nil {
		return err
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("config loaded",
		"base_url", cfg.BaseURL,
		"probes", len(cfg.Probes),
		"grids", len(cfg.Grids),
	)

	client, err := config.NewClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	opts := append(config.RunnerOptions(cfg),
		apiprobe.WithLogger(logger),
		apiprobe.WithDiagnostics(stderr),
		apiprobe.WithRegisterer(reg),
	)
	runner, err := apiprobe.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	// cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ops, err := config.BuildOperations(ctx, cfg, client, runner.Reporter())
	if err != nil {
		return fmt.Errorf("failed to build operations: %w", err)
	}

	runErr := runner.Run(ctx, ops)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := client.Wait(waitCtx); err != nil {
		logger.Warn("in-flight calls still pending",
			"wait", wait.String(),
			"error", err,
		)
	}

	if metricsFile != "" {
		if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
		logger.Debug("metrics written", "path", metricsFile)
	}

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}

	failures := runner.Reporter().Failures()
	logger.Info("run complete",
		"operations", len(ops),
		"failures", failures,
	)
	if strict && failures > 0 {
		return fmt.Errorf("%d probe failure(s) reported", failures)
	}
	return nil
}
