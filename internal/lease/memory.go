package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryManager keeps leases in process memory.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, resourceID string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, held := m.leases[resourceID]; held && now.Before(l.expiresAt) {
		return nil, nil
	}
	token := uuid.NewString()
	m.leases[resourceID] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return &Lease{ResourceID: resourceID, Token: token}, nil
}

func (m *MemoryManager) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[l.ResourceID]; ok && cur.token == l.Token {
		delete(m.leases, l.ResourceID)
	}
	return nil
}

// Held reports whether a live lease exists for resourceID.
func (m *MemoryManager) Held(resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[resourceID]
	return ok && m.now().Before(l.expiresAt)
}
