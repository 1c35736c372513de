// Package batch holds events grouped by destination key.
package batch

import "github.com/telhawk-systems/telhawk-forward/forward/internal/models"

// SubBatch is the ordered list of events bound to one destination.
type SubBatch struct {
	Destination string
	Events      []*models.Event
}

// Batch maps destination keys to sub-batches. Destinations are reported in
// first-insertion order and events keep insertion order within a destination.
type Batch struct {
	order     []string
	subs      map[string]*SubBatch
	numEvents int
}

// New returns an empty batch.
func New() *Batch {
	return &Batch{subs: make(map[string]*SubBatch)}
}

// Add appends ev to the sub-batch of destination.
func (b *Batch) Add(destination string, ev *models.Event) {
	sub, ok := b.subs[destination]
	if !ok {
		sub = &SubBatch{Destination: destination}
		b.subs[destination] = sub
		b.order = append(b.order, destination)
	}
	sub.Events = append(sub.Events, ev)
	b.numEvents++
}

// NumEvents is the sum of all sub-batch lengths.
func (b *Batch) NumEvents() int {
	return b.numEvents
}

// Len returns the number of destinations.
func (b *Batch) Len() int {
	return len(b.order)
}

// IsEmpty reports whether no event was added.
func (b *Batch) IsEmpty() bool {
	return b.numEvents == 0
}

// Destinations lists destination keys in first-insertion order.
func (b *Batch) Destinations() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Events returns the events stored for destination.
func (b *Batch) Events(destination string) []*models.Event {
	if sub, ok := b.subs[destination]; ok {
		return sub.Events
	}
	return nil
}

// SubBatches returns the sub-batches in destination order.
func (b *Batch) SubBatches() []*SubBatch {
	out := make([]*SubBatch, 0, len(b.order))
	for _, dest := range b.order {
		out = append(out, b.subs[dest])
	}
	return out
}

// Clone copies the batch structure. Events are shared; they are never mutated
// once inserted.
func (b *Batch) Clone() *Batch {
	out := &Batch{
		order:     make([]string, len(b.order)),
		subs:      make(map[string]*SubBatch, len(b.subs)),
		numEvents: b.numEvents,
	}
	copy(out.order, b.order)
	for dest, sub := range b.subs {
		events := make([]*models.Event, len(sub.Events))
		copy(events, sub.Events)
		out.subs[dest] = &SubBatch{Destination: dest, Events: events}
	}
	return out
}
