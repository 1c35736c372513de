package sink

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/router"
)

// Config holds the raw sink options as read from configuration.
type Config struct {
	DataModel           string
	EnableGrouping      bool
	EnableLowercase     bool
	EnableEncoding      bool
	EnableNameMappings  bool
	BatchSize           int
	BatchTimeout        int    // seconds
	BatchTTL            int    // -1 retries forever, 0 never retries
	BatchRetryIntervals string // comma-separated milliseconds
}

// DefaultConfig returns the option defaults.
func DefaultConfig() Config {
	return Config{
		DataModel:           "dm-by-entity",
		BatchSize:           1,
		BatchTimeout:        30,
		BatchTTL:            10,
		BatchRetryIntervals: "5000",
	}
}

// Settings are validated sink options.
type Settings struct {
	DataModel           router.DataModel
	EnableGrouping      bool
	EnableLowercase     bool
	EnableEncoding      bool
	EnableNameMappings  bool
	BatchSize           int
	BatchTimeout        time.Duration
	BatchTTL            int
	BatchRetryIntervals []time.Duration
}

// Largest values that still fit a time.Duration.
const (
	maxBatchTimeoutSeconds = math.MaxInt64 / int64(time.Second)
	maxRetryIntervalMillis = math.MaxInt64 / int64(time.Millisecond)
)

// NewSettings validates cfg. Every violation is reported in the returned error;
// the settings are filled in as far as possible either way.
func NewSettings(cfg Config) (Settings, error) {
	var errs []error
	s := Settings{
		EnableGrouping:     cfg.EnableGrouping,
		EnableLowercase:    cfg.EnableLowercase,
		EnableEncoding:     cfg.EnableEncoding,
		EnableNameMappings: cfg.EnableNameMappings,
		BatchSize:          cfg.BatchSize,
		BatchTTL:           cfg.BatchTTL,
	}

	dm, err := router.ParseDataModel(cfg.DataModel)
	if err != nil {
		errs = append(errs, fmt.Errorf("data_model: %w", err))
	}
	s.DataModel = dm

	if cfg.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size: must be greater than 0, got %d", cfg.BatchSize))
	}
	switch {
	case cfg.BatchTimeout <= 0:
		errs = append(errs, fmt.Errorf("batch_timeout: must be greater than 0, got %d", cfg.BatchTimeout))
	case int64(cfg.BatchTimeout) > maxBatchTimeoutSeconds:
		errs = append(errs, fmt.Errorf("batch_timeout: must be at most %d, got %d", maxBatchTimeoutSeconds, cfg.BatchTimeout))
	default:
		s.BatchTimeout = time.Duration(cfg.BatchTimeout) * time.Second
	}
	if cfg.BatchTTL < -1 {
		errs = append(errs, fmt.Errorf("batch_ttl: must be -1 or greater, got %d", cfg.BatchTTL))
	}

	intervals, err := parseRetryIntervals(cfg.BatchRetryIntervals)
	if err != nil {
		errs = append(errs, fmt.Errorf("batch_retry_intervals: %w", err))
	}
	s.BatchRetryIntervals = intervals

	return s, errors.Join(errs...)
}

func parseRetryIntervals(raw string) ([]time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("must not be empty")
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		ms, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q", p)
		}
		if ms <= 0 {
			return nil, fmt.Errorf("interval must be greater than 0, got %d", ms)
		}
		if ms > maxRetryIntervalMillis {
			return nil, fmt.Errorf("interval must be at most %d, got %d", maxRetryIntervalMillis, ms)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, nil
}

// RetryIntervalsString formats the retry schedule back as comma-separated milliseconds.
func (s Settings) RetryIntervalsString() string {
	parts := make([]string, len(s.BatchRetryIntervals))
	for i, d := range s.BatchRetryIntervals {
		parts[i] = strconv.FormatInt(d.Milliseconds(), 10)
	}
	return strings.Join(parts, ",")
}

func (s Settings) String() string {
	return fmt.Sprintf("data_model=%s enable_grouping=%t enable_lowercase=%t enable_encoding=%t "+
		"enable_name_mappings=%t batch_size=%d batch_timeout=%s batch_ttl=%d batch_retry_intervals=%s",
		s.DataModel, s.EnableGrouping, s.EnableLowercase, s.EnableEncoding,
		s.EnableNameMappings, s.BatchSize, s.BatchTimeout, s.BatchTTL, s.RetryIntervalsString())
}
