package events

import (
	"context"
	"sync"

	"signd/internal/signing"
)

// MemoryPublisher records rotation events in-memory for development and
// tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []signing.RotationEvent
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish appends the event to the in-memory log.
func (m *MemoryPublisher) Publish(_ context.Context, ev signing.RotationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of all published events.
func (m *MemoryPublisher) Events() []signing.RotationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signing.RotationEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Close does nothing for the in-memory publisher.
func (m *MemoryPublisher) Close() error {
	return nil
}
