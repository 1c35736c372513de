// Package source provides the transactional event channels the sink drains.
package source

import (
	"context"
	"errors"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

// ErrClosed is returned by operations on a closed source or transaction.
var ErrClosed = errors.New("source closed")

// Source hands out transactions over a stream of events.
type Source interface {
	// Begin starts a transaction.
	Begin(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction scopes a run of Take calls. Events taken are acknowledged to the
// source on Commit.
type Transaction interface {
	// Take never blocks; it returns (nil, nil) when nothing is available right now.
	Take(ctx context.Context) (*models.Event, error)
	Commit(ctx context.Context) error
	// Close releases the transaction. Closing an uncommitted transaction hands
	// its taken events back to the source.
	Close() error
}
