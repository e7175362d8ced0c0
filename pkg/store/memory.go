package store

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/aeolun/chatcore/pkg/model"
)

// Memory is an in-process MessageStore. Rooms not written for ttl are
// evicted; a ttl of zero keeps them for the life of the process.
type Memory struct {
	mu     sync.Mutex
	cache  *cache.Cache
	window int
}

// NewMemory creates a Memory store keeping window messages per room.
func NewMemory(window int, ttl time.Duration) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	expiration, cleanup := cache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		expiration, cleanup = ttl, ttl/2
	}
	return &Memory{
		cache:  cache.New(expiration, cleanup),
		window: window,
	}
}

// LoadMessages implements MessageStore.
func (m *Memory) LoadMessages(room string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.load(room)...), nil
}

func (m *Memory) load(room string) []model.Message {
	v, ok := m.cache.Get(room)
	if !ok {
		return nil
	}
	return v.([]model.Message)
}

// SaveMessages implements MessageStore.
func (m *Memory) SaveMessages(room string, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := model.MergeWindow(m.load(room), msgs, m.window)
	m.cache.Set(room, merged, cache.DefaultExpiration)
	return nil
}

// Rooms returns the number of rooms held.
func (m *Memory) Rooms() int {
	return m.cache.ItemCount()
}
