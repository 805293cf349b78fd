package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/harvest/config"
)

// validateCmd validates a config file without running a harvest.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a harvest configuration file without running it.

This command parses the YAML, expands environment variables, validates all
fields and rules, and expands listing grids. It is useful for CI/CD
pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  harvest validate -c harvest.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	_, partitions, err := config.Build(cfg, nil)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	direct := len(cfg.Listings)
	fromGrids := len(partitions) - direct
	if fromGrids < 0 {
		fromGrids = 0
	}

	names := make([]string, 0, len(cfg.Fields))
	for _, f := range cfg.Fields {
		name := f.Name
		if f.Required {
			name += "*"
		}
		names = append(names, name)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Listings: %d direct + %d from grids = %d total\n", direct, fromGrids, len(partitions))
	fmt.Fprintf(out, "  Fields:   %s\n", strings.Join(names, ", "))
	fmt.Fprintf(out, "  Engine:   %s\n", cfg.Engine.Type)
	fmt.Fprintf(out, "  Storage:  %s\n", cfg.Storage.Driver)
	if cfg.Server.Disabled {
		fmt.Fprintf(out, "  Server:   disabled\n")
	} else {
		fmt.Fprintf(out, "  Server:   port %d\n", cfg.Server.Port)
	}

	return nil
}
