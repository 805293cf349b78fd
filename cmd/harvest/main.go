// Package main is the entry point for the harvest CLI.
//
// Harvest can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	harvest run -c config.yaml      # Run a harvest and serve its progress
//	harvest validate -c config.yaml # Validate configuration
//	harvest version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd only displays help; functionality lives in subcommands.
var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "A partitioned, rate-adaptive scraping pipeline",
	Long: `Harvest discovers item pages on listing pages, infers an extraction
schema from a sample of them, and extracts every item through a bounded
pool of workers under one adaptive rate limit.

Quick start:
  1. Create a config file (harvest.yaml)
  2. Run: harvest run -c harvest.yaml
  3. Watch progress at http://localhost:8080/api/stats

Example config:
  listings:
    - https://shop.example.com/c/shoes
  discovery:
    pattern: '/p/\d+$'
  fields:
    - name: name
      rules: [css:h1, title]
      required: true
  storage:
    driver: sqlite
    dsn: harvest.db`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this harvest binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "harvest %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
