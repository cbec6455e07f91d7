package userbot

import (
	"context"
	"sync"

	"github.com/gotd/td/session"
)

// memoryStorage keeps a gotd session in memory between the database load
// and the write back.
type memoryStorage struct {
	mu      sync.Mutex
	data    []byte
	changed bool
}

func newMemoryStorage(data string) *memoryStorage {
	return &memoryStorage{data: []byte(data)}
}

func (s *memoryStorage) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *memoryStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append(s.data[:0], data...)
	s.changed = true
	return nil
}

// snapshot returns the current session and whether gotd rewrote it.
func (s *memoryStorage) snapshot() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data), s.changed
}
