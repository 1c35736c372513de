// Package runner polls sinks. It is the external scheduler of the batching
// stage: READY ticks are followed immediately by the next one, BACKOFF ticks
// by a sleep that grows with every consecutive backoff.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/metrics"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/sink"
)

// Processor is a tickable sink.
type Processor interface {
	Name() string
	Process(ctx context.Context) (sink.Status, error)
}

// Config controls the backoff sleeps.
type Config struct {
	BackoffIncrement time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns 1s increments capped at 5s.
func DefaultConfig() Config {
	return Config{
		BackoffIncrement: time.Second,
		MaxBackoff:       5 * time.Second,
	}
}

// Backoff returns the sleep after consecutive BACKOFF ticks.
func (c Config) Backoff(consecutive int) time.Duration {
	d := time.Duration(consecutive) * c.BackoffIncrement
	if d > c.MaxBackoff || d < 0 {
		return c.MaxBackoff
	}
	return d
}

// Runner drives one goroutine per processor until stopped.
type Runner struct {
	cfg        Config
	processors []Processor
	logger     *logging.Logger
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
}

// New creates a runner. Zero config values fall back to the defaults.
func New(cfg Config, logger *logging.Logger, processors ...Processor) *Runner {
	def := DefaultConfig()
	if cfg.BackoffIncrement <= 0 {
		cfg.BackoffIncrement = def.BackoffIncrement
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		cfg:        cfg,
		processors: processors,
		logger:     logger,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start runs the polling loops and blocks until Stop is called or ctx is done.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.logger.InfoContext(ctx, "Runner started", "sinks", len(r.processors),
		"backoff_increment", r.cfg.BackoffIncrement.String(), "max_backoff", r.cfg.MaxBackoff.String())

	var wg sync.WaitGroup
	for _, p := range r.processors {
		wg.Add(1)
		go func(p Processor) {
			defer wg.Done()
			r.poll(ctx, p)
		}(p)
	}
	wg.Wait()

	r.logger.InfoContext(context.Background(), "Runner stopped")
}

// Stop signals the loops to exit and waits for them.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.stopped
}

func (r *Runner) poll(ctx context.Context, p Processor) {
	logger := r.logger.With(logging.Sink(p.Name()))
	consecutive := 0

	for {
		if ctx.Err() != nil {
			return
		}

		status, err := p.Process(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			logger.ErrorContext(ctx, "Unable to deliver event, backing off", logging.Error(err))
			wait = r.cfg.MaxBackoff
		case status == sink.StatusBackoff:
			consecutive++
			wait = r.cfg.Backoff(consecutive)
		default:
			consecutive = 0
		}
		metrics.RunnerBackoffSeconds.WithLabelValues(p.Name()).Set(wait.Seconds())

		if wait == 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
