package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "forward",
	Short: "NGSI notification forwarder",
	Long: `forward consumes NGSI context notifications from NATS JetStream, groups
them into destination batches and persists every batch to a backend
(log, OpenSearch, PostgreSQL, Redis, Kafka or JetStream).

Failed batches are retried on a bounded backoff schedule.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/telhawk/forward/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("forward"))
	logging.SetDefault(logger)
	return logger
}
