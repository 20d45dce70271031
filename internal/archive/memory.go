package archive

import (
	"context"
	"sync"
)

// MemoryProvider stores archived scripts in-memory for development and
// tests.
type MemoryProvider struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryProvider creates an empty in-memory archive.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string][]byte)}
}

// Save keeps a copy of the blob under the object name.
func (m *MemoryProvider) Save(_ context.Context, objectName string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[objectName] = append([]byte(nil), data...)
	return nil
}

// Get returns a stored blob and whether it exists.
func (m *MemoryProvider) Get(objectName string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[objectName]
	return b, ok
}

// Len returns the number of archived objects.
func (m *MemoryProvider) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
