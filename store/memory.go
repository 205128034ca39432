package store

import (
	"context"
	"sync"
	"sync/atomic"
)

var _ Store = (*Memory)(nil)

// Memory is a map-backed store. It counts calls so tests can assert on how
// the cache drove it.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte

	loads, stores, erases atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.loads.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) LoadAll(_ context.Context, keys []string) (map[string][]byte, error) {
	m.loads.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Store(_ context.Context, e Entry) error {
	m.stores.Add(1)
	m.mu.Lock()
	m.data[e.Key] = e.Value
	m.mu.Unlock()
	return nil
}

func (m *Memory) StoreAll(_ context.Context, es []Entry) error {
	m.stores.Add(1)
	m.mu.Lock()
	for _, e := range es {
		m.data[e.Key] = e.Value
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Erase(_ context.Context, e Entry) error {
	m.erases.Add(1)
	m.mu.Lock()
	delete(m.data, e.Key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) EraseAll(_ context.Context, es []Entry) error {
	m.erases.Add(1)
	m.mu.Lock()
	for _, e := range es {
		delete(m.data, e.Key)
	}
	m.mu.Unlock()
	return nil
}

// Peek reads key without counting a load.
func (m *Memory) Peek(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Calls returns the number of load, store and erase calls, batches counting once.
func (m *Memory) Calls() (loads, stores, erases int64) {
	return m.loads.Load(), m.stores.Load(), m.erases.Load()
}
