package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Memory is an in-process KV with lazy expiry. Not shared across processes.
type Memory struct {
	mu   sync.Mutex
	data map[string]memEntry
	Now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]memEntry), Now: time.Now}
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.live(m.Now()) {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok && e.live(m.Now()) {
		return false, nil
	}
	m.data[key] = memEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || !e.live(m.Now()) || !bytes.Equal(e.value, old) {
		return false, nil
	}
	m.data[key] = memEntry{value: append([]byte(nil), next...), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || !e.live(m.Now()) || !bytes.Equal(e.value, old) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) Close() error { return nil }
