package persist

import (
	"context"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
)

// Log is a backend that writes every record to the structured logger. It is
// the default backend and never fails.
type Log struct {
	naming Naming
	logger *logging.Logger
}

// NewLog creates a logging backend.
func NewLog(naming Naming, logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.Default()
	}
	return &Log{naming: naming, logger: logger}
}

func (l *Log) Persist(ctx context.Context, b *batch.Batch) error {
	for _, sb := range b.SubBatches() {
		name := l.naming.Name(sb.Destination)
		for _, rec := range Records(sb.Destination, sb.Events) {
			data, err := rec.Encode()
			if err != nil {
				return err
			}
			l.logger.InfoContext(ctx, "Persisting record",
				logging.Destination(name),
				logging.CorrelatorID(rec.CorrelatorID),
				"record", string(data))
		}
	}
	return nil
}

func (l *Log) Name() string { return "log" }

func (l *Log) Close() error { return nil }
