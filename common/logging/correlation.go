package logging

import (
	"context"
	"log/slog"
)

// Correlation is the per-event tracing context. It travels explicitly with the
// context.Context handed to routing and persistence calls.
type Correlation struct {
	CorrelatorID  string
	TransactionID string
	Service       string
	ServicePath   string
}

type correlationKey struct{}

// WithCorrelation returns a copy of ctx carrying corr.
func WithCorrelation(ctx context.Context, corr Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, corr)
}

// CorrelationFrom extracts the correlation context stored by WithCorrelation.
func CorrelationFrom(ctx context.Context) (Correlation, bool) {
	if ctx == nil {
		return Correlation{}, false
	}
	corr, ok := ctx.Value(correlationKey{}).(Correlation)
	return corr, ok
}

func (c Correlation) attrs() []any {
	attrs := make([]any, 0, 4)
	if c.CorrelatorID != "" {
		attrs = append(attrs, CorrelatorID(c.CorrelatorID))
	}
	if c.TransactionID != "" {
		attrs = append(attrs, TransactionID(c.TransactionID))
	}
	if c.Service != "" {
		attrs = append(attrs, slog.String(FieldFiwareService, c.Service))
	}
	if c.ServicePath != "" {
		attrs = append(attrs, slog.String(FieldFiwareServicePath, c.ServicePath))
	}
	return attrs
}
