package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

// Memory is an in-process source. It backs the "memory" source backend and tests.
type Memory struct {
	mu        sync.Mutex
	pending   []*models.Event
	closed    bool
	committed int
}

// NewMemory creates an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{}
}

// Put appends events to the source.
func (m *Memory) Put(events ...*models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, events...)
}

// Len returns the number of events not yet taken.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Committed returns how many events were acknowledged through Commit.
func (m *Memory) Committed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Begin starts a transaction.
func (m *Memory) Begin(ctx context.Context) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memoryTxn{src: m}, nil
}

// Close rejects further transactions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTxn struct {
	src   *Memory
	taken []*models.Event
	done  bool
}

func (t *memoryTxn) Take(ctx context.Context) (*models.Event, error) {
	if t.done {
		return nil, fmt.Errorf("take: %w", ErrClosed)
	}
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	if len(t.src.pending) == 0 {
		return nil, nil
	}
	ev := t.src.pending[0]
	t.src.pending = t.src.pending[1:]
	t.taken = append(t.taken, ev)
	return ev, nil
}

func (t *memoryTxn) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("commit: %w", ErrClosed)
	}
	t.src.mu.Lock()
	t.src.committed += len(t.taken)
	t.src.mu.Unlock()
	t.taken = nil
	t.done = true
	return nil
}

func (t *memoryTxn) Close() error {
	if len(t.taken) > 0 {
		t.src.mu.Lock()
		t.src.pending = append(append([]*models.Event{}, t.taken...), t.src.pending...)
		t.src.mu.Unlock()
		t.taken = nil
	}
	t.done = true
	return nil
}
