package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	natsclient "github.com/telhawk-systems/telhawk-forward/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/seeder"
)

var (
	seedCount        int
	seedInterval     time.Duration
	seedServices     string
	seedServicePaths string
	seedEntityTypes  string
	seedMaxElements  int
	seedRandomSeed   int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Publish generated NGSI notifications to the notifications stream",
	Long: `Generate context notifications and publish them to JetStream the way a
context broker subscription would.

Examples:
  # 1000 notifications for two tenants
  forward seed --count 1000 --services smartcity,farm

  # reproducible run, one notification per second
  forward seed --seed 42 --interval 1s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = "telhawk-forward-seeder"
		natsCfg.Logger = logger
		js, err := natsclient.NewJetStreamClient(natsCfg)
		if err != nil {
			return err
		}
		defer js.Close()

		stream := natsclient.NotificationsStream
		stream.Name = cfg.Source.Stream
		if _, err := js.CreateOrUpdateStream(ctx, stream); err != nil {
			return err
		}

		res, err := seeder.New(seedConfig(), js, logger).Run(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Published %d notifications (%d context elements), %d failed\n",
			res.Notifications, res.Elements, res.Failed)
		return err
	},
}

func init() {
	def := seeder.DefaultConfig()
	seedCmd.Flags().IntVar(&seedCount, "count", def.Count, "notifications to publish")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "pause between notifications")
	seedCmd.Flags().StringVar(&seedServices, "services", strings.Join(def.Services, ","), "comma-separated fiware services")
	seedCmd.Flags().StringVar(&seedServicePaths, "service-paths", strings.Join(def.ServicePaths, ","), "comma-separated fiware service paths")
	seedCmd.Flags().StringVar(&seedEntityTypes, "entity-types", "", "comma-separated entity types (default: all known)")
	seedCmd.Flags().IntVar(&seedMaxElements, "max-elements", def.MaxElements, "maximum context elements per notification")
	seedCmd.Flags().Int64Var(&seedRandomSeed, "seed", 0, "random seed (0 picks one)")
}

func seedConfig() seeder.Config {
	return seeder.Config{
		Count:        seedCount,
		Interval:     seedInterval,
		Services:     splitList(seedServices),
		ServicePaths: splitList(seedServicePaths),
		EntityTypes:  splitList(seedEntityTypes),
		MaxElements:  seedMaxElements,
		Seed:         seedRandomSeed,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
