package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-forward/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/config"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/namemapping"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/persist"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/runner"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/seeder"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/server"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/sink"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/source"
)

var runMemorySeed int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the forwarder",
	Long: `Consume notifications, batch them and persist every batch.

With source.backend=memory nothing is consumed from NATS; --memory-seed fills
the in-process source with generated notifications, which is handy to try a
persistence backend locally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().IntVar(&runMemorySeed, "memory-seed", 0, "generated notifications to preload into the memory source")
}

// app holds everything run starts so it can be torn down in reverse order.
type app struct {
	js        *natsclient.JetStreamClient
	src       source.Source
	persister persist.Persister
	sink      *sink.Sink
	runner    *runner.Runner
	server    *http.Server
	logger    *logging.Logger
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(cfg)
	logger.Info("Starting forward service",
		"port", cfg.Server.Port,
		"source", cfg.Source.Backend,
		"persistence", cfg.Persistence.Backend,
		"log_level", cfg.Logging.Level,
	)
	if cfgFile != "" {
		logger.Info("Loaded configuration", "config_path", cfgFile)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Admin server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.sink.Start(ctx)
	go a.runner.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down forward service")
	case err := <-serverErr:
		logger.Error("Admin server failed", logging.Error(err))
		return err
	}
	return nil
}

func build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	mappings, err := loadMappings(cfg, logger)
	if err != nil {
		return a, err
	}

	if cfg.Source.Backend == config.SourceJetStream || cfg.Persistence.Backend == persist.BackendJetStream {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		natsCfg.Timeout = cfg.NATS.Timeout
		natsCfg.Logger = logger
		a.js, err = natsclient.NewJetStreamClient(natsCfg)
		if err != nil {
			return a, err
		}
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	a.src, err = buildSource(ctx, cfg, a.js, mappings, logger)
	if err != nil {
		return a, err
	}

	opts := cfg.PersistOptions()
	opts.Logger = logger
	if cfg.Persistence.Backend == persist.BackendJetStream {
		if _, err = a.js.CreateOrUpdateStream(ctx, natsclient.PersistedStream); err != nil {
			return a, err
		}
		opts.JetStream = a.js
	}
	a.persister, err = persist.Build(ctx, opts)
	if err != nil {
		return a, fmt.Errorf("persistence backend: %w", err)
	}

	a.sink = sink.New(cfg.Sink.Name, cfg.SinkOptions(), a.src, a.persister, sink.WithLogger(logger))
	if err := a.sink.ConfigError(); err != nil {
		logger.Error("Sink configuration is invalid, it will back off forever", logging.Error(err))
	}

	a.runner = runner.New(cfg.RunnerOptions(), logger, a.sink)

	checks := map[string]server.Check{}
	if a.js != nil {
		checks["nats"] = server.BrokerCheck(a.js)
	}
	if p, ok := a.persister.(persist.Pinger); ok {
		checks["persistence"] = server.PingCheck(p)
	}
	handler := server.NewHandler([]server.StatsProvider{a.sink}, checks, logger)
	a.server = server.New(cfg.ServerOptions(), server.NewRouter(handler))

	return a, nil
}

func buildSource(ctx context.Context, cfg *config.Config, js *natsclient.JetStreamClient, mappings *namemapping.Mappings, logger *logging.Logger) (source.Source, error) {
	switch cfg.Source.Backend {
	case config.SourceMemory:
		mem := source.NewMemory()
		if runMemorySeed > 0 {
			preload(mem, runMemorySeed, mappings)
			logger.Info("Memory source preloaded", "notifications", runMemorySeed, "events", mem.Len())
		}
		return mem, nil
	default:
		stream := natsclient.NotificationsStream
		stream.Name = cfg.Source.Stream
		if _, err := js.CreateOrUpdateStream(ctx, stream); err != nil {
			return nil, err
		}
		consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Source.Stream,
			natsclient.DefaultConsumerConfig(cfg.Source.Consumer, cfg.Source.Subject))
		if err != nil {
			return nil, err
		}
		logger.Info("JetStream source ready", "stream", cfg.Source.Stream, "consumer", cfg.Source.Consumer)
		return source.NewJetStream(consumer,
			source.WithNameMappings(mappings),
			source.WithFetchSize(cfg.Source.FetchSize),
			source.WithLogger(logger),
		), nil
	}
}

// loadMappings reads the name mapping rules when enable_name_mappings is set.
// A rules file with the flag off is ignored so events never carry a mapped
// element the router would not honor.
func loadMappings(cfg *config.Config, logger *logging.Logger) (*namemapping.Mappings, error) {
	if cfg.NameMappings == "" {
		return nil, nil
	}
	if !cfg.Sink.EnableNameMappings {
		logger.Warn("Name mappings file ignored, enable_name_mappings is off", "path", cfg.NameMappings)
		return nil, nil
	}

	mappings, err := namemapping.Load(cfg.NameMappings)
	if err != nil {
		return nil, err
	}
	logger.Info("Name mappings loaded", "path", cfg.NameMappings)
	if cfg.Sink.EnableGrouping {
		logger.Warn("enable_grouping has no effect on events matched by name mappings")
	}
	return mappings, nil
}

// preload splits generated notifications into the memory source.
func preload(mem *source.Memory, n int, mappings *namemapping.Mappings) {
	gen := seeder.NewGenerator(seeder.DefaultConfig())
	for i := 0; i < n; i++ {
		note := gen.Next()
		headers := map[string]string{
			models.HeaderCorrelatorID:      note.Correlator,
			models.HeaderTransactionID:     note.Correlator,
			models.HeaderFiwareService:     note.Service,
			models.HeaderFiwareServicePath: note.ServicePath,
		}
		for _, ev := range models.SplitEvents(headers, note.Body, time.Now()) {
			if mappings != nil {
				mappings.Apply(ev)
			}
			mem.Put(ev)
		}
	}
}

func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("Admin server shutdown failed", logging.Error(err))
		}
		cancel()
	}
	if a.runner != nil {
		a.runner.Stop()
	}
	if a.persister != nil {
		if err := a.persister.Close(); err != nil {
			a.logger.Error("Failed to close persistence backend", logging.Error(err))
		}
	}
	if a.src != nil {
		if err := a.src.Close(); err != nil {
			a.logger.Error("Failed to close source", logging.Error(err))
		}
	}
	if a.js != nil {
		if err := a.js.Drain(); err != nil {
			a.logger.Error("Failed to drain NATS connection", logging.Error(err))
		}
	}
	a.logger.Info("Forward service stopped")
}
