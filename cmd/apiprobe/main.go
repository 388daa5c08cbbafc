// Package main is the entry point for the apiprobe CLI.
//
// apiprobe can be used either as a library (SDK) or as a standalone binary
// driven by a YAML probe file. This CLI provides the standalone binary approach.
//
// Usage:
//
//	apiprobe run -c probes.yaml      # Run every probe in batches
//	apiprobe validate -c probes.yaml # Validate a probe file
//	apiprobe version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "apiprobe",
	Short: "A batched smoke-test runner for REST APIs",
	Long: `apiprobe calls a list of REST API operations in timed batches and
reports every failure as a short diagnostic block on stderr.

Quick start:
  1. Create a probe file (probes.yaml)
  2. Run: apiprobe run -c probes.yaml
  3. Read the diagnostics; no output means every probe passed

Example probe file:
  base_url: https://api.example.com
  batch_size: 3
  batch_interval: 1s
  probes:
    - name: showUser
      path: /1/users/show.json
      params:
        screen_name: polotek`,
	SilenceUsage: true,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this apiprobe binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "apiprobe %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
