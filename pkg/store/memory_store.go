package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"characterstudio/pkg/domain"
)

// MemoryStore keeps character records in-process.
type MemoryStore struct {
	mu     sync.RWMutex
	chars  map[string]domain.Character
	orders []string
	now    func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chars: make(map[string]domain.Character),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateCharacter stores a new record and tracks insertion order.
func (m *MemoryStore) CreateCharacter(_ context.Context, c domain.Character) (domain.Character, error) {
	if err := validateNew(c); err != nil {
		return domain.Character{}, err
	}
	c.ID = uuid.NewString()
	c.CreatedAt = m.now()
	c.Keywords = cloneStrings(c.Keywords)
	c.ImagePreviewURL = ""

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chars[c.ID] = c
	m.orders = append(m.orders, c.ID)
	return cloneCharacter(c), nil
}

// ListCharactersByOwner returns records filtered by owner in insertion order.
func (m *MemoryStore) ListCharactersByOwner(_ context.Context, ownerID string) ([]domain.Character, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Character, 0)
	for _, id := range m.orders {
		if c, ok := m.chars[id]; ok && c.OwnerID == ownerID {
			res = append(res, cloneCharacter(c))
		}
	}
	return res, nil
}

// GetCharacter retrieves a record by ID.
func (m *MemoryStore) GetCharacter(_ context.Context, id string) (domain.Character, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chars[id]
	if !ok {
		return domain.Character{}, false, nil
	}
	return cloneCharacter(c), true, nil
}

func cloneCharacter(c domain.Character) domain.Character {
	c.Keywords = cloneStrings(c.Keywords)
	return c
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
