package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/apiprobe/config"
)

// validateCmd validates a probe file without calling the API.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a probe file",
	Long: `Validate an apiprobe probe file without calling the API.

This command parses the YAML, expands environment variables, applies
APIPROBE_* overrides and validates all fields. It's useful for CI/CD
pipelines or pre-deployment checks.

Exit codes:
  0 - Probe file is valid
  1 - Probe file is invalid (error details printed to stderr)

Example:
  apiprobe validate -c probes.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to probe file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// count queued operations (probes + grid cells) and follow-ups
	directProbes := len(cfg.Probes)
	followUps := 0
	for _, p := range cfg.Probes {
		followUps += len(p.Then)
	}
	gridProbes := 0
	for _, g := range cfg.Grids {
		size := 1
		for _, vals := range g.Dimensions {
			size *= len(vals)
		}
		gridProbes += size
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 1
	}
	interval := cfg.BatchInterval.Duration().String()
	if cfg.BatchInterval == 0 {
		interval = "1s"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Base URL:       %s\n", cfg.BaseURL)
	fmt.Fprintf(out, "  Batch:          %d every %s\n", batchSize, interval)
	fmt.Fprintf(out, "  Probes:         %d direct + %d from grids = %d total\n",
		directProbes, gridProbes, directProbes+gridProbes)
	fmt.Fprintf(out, "  Follow-ups:     %d\n", followUps)

	return nil
}
