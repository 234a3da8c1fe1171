package cache

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process memory. It backs tests and one-shot
// runs that need no persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	limit   int
	entries map[string]Entry
	history map[string][][]byte
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(history int) *MemoryStore {
	if history <= 0 {
		history = defaultHistory
	}
	return &MemoryStore{
		limit:   history,
		entries: make(map[string]Entry),
		history: make(map[string][][]byte),
	}
}

func (m *MemoryStore) Load(_ context.Context, guid string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, ErrClosed
	}
	e, ok := m.entries[guid]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Data = bytes.Clone(e.Data)
	return e, nil
}

func (m *MemoryStore) Save(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e.Data = bytes.Clone(e.Data)
	prev, ok := m.entries[e.GUID]
	m.entries[e.GUID] = e
	if (ok && bytes.Equal(prev.Data, e.Data)) || e.Timestamp.IsZero() {
		return nil
	}
	h := append([][]byte{e.Data}, m.history[e.GUID]...)
	if len(h) > m.limit {
		h = h[:m.limit]
	}
	m.history[e.GUID] = h
	return nil
}

func (m *MemoryStore) History(_ context.Context, guid string, n int) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	h := m.history[guid]
	if n > 0 && n < len(h) {
		h = h[:n]
	}
	out := make([][]byte, len(h))
	for i, d := range h {
		out[i] = bytes.Clone(d)
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, guid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, guid)
	delete(m.history, guid)
	return nil
}

func (m *MemoryStore) GUIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.entries))
	for guid := range m.entries {
		out = append(out, guid)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
