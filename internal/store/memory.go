package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantrush/invest-engine/internal/model"
)

// MemoryStore implements ChannelStore with an in-memory map. Used for
// testing and development. Not suitable for production (no persistence,
// single process only).
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]*model.Channel
}

// NewMemoryStore creates a new in-memory channel store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[string]*model.Channel),
	}
}

func (s *MemoryStore) Create(_ context.Context, c *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[c.ID]; ok {
		return fmt.Errorf("channel %s already exists", c.ID)
	}
	// Store a deep copy to avoid external mutation.
	s.channels[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("get channel %s: %w", id, ErrChannelNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, c *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[c.ID]; !ok {
		return fmt.Errorf("update channel %s: %w", c.ID, ErrChannelNotFound)
	}
	s.channels[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.channels, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]*model.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		channels = append(channels, c.Clone())
	}
	return channels, nil
}
