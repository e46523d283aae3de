package keystore

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used in tests and for ephemeral sessions.
type Memory struct {
	mu      sync.RWMutex
	values  map[string]string
	subs    map[int]chan Change
	nextSub int
	closed  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
		subs:   make(map[int]chan Change),
	}
}

// Get returns the value for key, or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value under key and notifies subscribers.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.notifyLocked(Change{Key: key, Value: value, Present: true})
	return nil
}

// Delete removes key and notifies subscribers.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return nil
	}
	delete(m.values, key)
	m.notifyLocked(Change{Key: key})
	return nil
}

// Subscribe returns a change channel and its cancel function.
func (m *Memory) Subscribe() (<-chan Change, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Change, 16)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close closes all subscription channels.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}

func (m *Memory) notifyLocked(ch Change) {
	for _, sub := range m.subs {
		select {
		case sub <- ch:
		default:
			// Subscriber is not keeping up. It will re-read current state
			// on its next observed change.
		}
	}
}
