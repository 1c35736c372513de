// Package persist defines the persistence capability consumed by the sink and
// the concrete backends that implement it.
package persist

import (
	"context"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
)

// Persister writes a batch to a backend. Failures must be classified with
// Transient, BadConfiguration, BadPayload or Runtime; an unclassified error is
// treated as a runtime fault.
type Persister interface {
	Persist(ctx context.Context, b *batch.Batch) error
	Name() string
	Close() error
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(ctx context.Context, b *batch.Batch) error

func (f PersisterFunc) Persist(ctx context.Context, b *batch.Batch) error { return f(ctx, b) }

func (f PersisterFunc) Name() string { return "func" }

func (f PersisterFunc) Close() error { return nil }
