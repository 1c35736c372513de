package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/config"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/namemapping"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/sink"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective sink settings",
	Long: `Load the configuration the way run does and report every problem found.

Sink option violations do not stop run (the sink starts in a permanent
backoff state), but validate reports them and exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return validateConfig(cmd, cfg)
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func validateConfig(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	failed := false

	if err := cfg.Validate(); err != nil {
		failed = true
		fmt.Fprintf(out, "✗ service configuration:\n  %v\n", err)
	} else {
		fmt.Fprintln(out, "✓ service configuration")
	}

	settings, err := sink.NewSettings(cfg.SinkOptions())
	if err != nil {
		failed = true
		fmt.Fprintf(out, "✗ sink %s:\n  %v\n", cfg.Sink.Name, err)
	} else {
		fmt.Fprintf(out, "✓ sink %s: %s\n", cfg.Sink.Name, settings.String())
	}

	if cfg.NameMappings != "" {
		if _, err := namemapping.Load(cfg.NameMappings); err != nil {
			failed = true
			fmt.Fprintf(out, "✗ name mappings %s:\n  %v\n", cfg.NameMappings, err)
		} else {
			fmt.Fprintf(out, "✓ name mappings %s\n", cfg.NameMappings)
		}
	}

	fmt.Fprintf(out, "  source: %s, persistence: %s\n", cfg.Source.Backend, cfg.Persistence.Backend)

	if failed {
		return fmt.Errorf("configuration is invalid")
	}
	return nil
}
