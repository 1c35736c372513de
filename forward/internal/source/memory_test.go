package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

func ev(corr string) *models.Event {
	return &models.Event{Headers: map[string]string{models.HeaderCorrelatorID: corr}}
}

func TestMemory_TakeCommit(t *testing.T) {
	ctx := context.Background()
	src := NewMemory()
	src.Put(ev("1"), ev("2"))

	txn, err := src.Begin(ctx)
	require.NoError(t, err)

	got, err := txn.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", got.CorrelatorID())

	got, err = txn.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", got.CorrelatorID())

	got, err = txn.Take(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "empty source returns nil without blocking")

	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, txn.Close())

	assert.Equal(t, 0, src.Len())
	assert.Equal(t, 2, src.Committed())
}

func TestMemory_CloseWithoutCommitReturnsEvents(t *testing.T) {
	ctx := context.Background()
	src := NewMemory()
	src.Put(ev("1"), ev("2"))

	txn, err := src.Begin(ctx)
	require.NoError(t, err)
	_, err = txn.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Close())

	assert.Equal(t, 2, src.Len())

	txn, err = src.Begin(ctx)
	require.NoError(t, err)
	got, err := txn.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", got.CorrelatorID())
}

func TestMemory_UseAfterCommit(t *testing.T) {
	ctx := context.Background()
	src := NewMemory()
	txn, err := src.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	_, err = txn.Take(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(txn.Commit(ctx), ErrClosed))
}

func TestMemory_Closed(t *testing.T) {
	src := NewMemory()
	require.NoError(t, src.Close())

	_, err := src.Begin(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
