package credit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps balances in memory. A single mutex makes each debit's
// check-and-write atomic within the process.
type MemoryStore struct {
	mu     sync.Mutex
	active map[string]*Balance // ownerID -> active balance
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{active: make(map[string]*Balance)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, bal *Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[bal.OwnerID]; ok {
		return ErrSubscriptionExists
	}
	cp := *bal
	m.active[bal.OwnerID] = &cp
	return nil
}

func (m *MemoryStore) GetActive(_ context.Context, ownerID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.active[ownerID]
	if !ok {
		return nil, ErrNoSubscription
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Debit(_ context.Context, ownerID string, standard, ai int64) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.active[ownerID]
	if !ok {
		return nil, ErrNoSubscription
	}
	if bal.Standard < standard || bal.AI < ai {
		return nil, &InsufficientCreditsError{RemainingStandard: bal.Standard, RemainingAI: bal.AI}
	}
	bal.Standard -= standard
	bal.AI -= ai
	bal.UpdatedAt = time.Now().UTC()
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Credit(_ context.Context, ownerID string, standard, ai int64) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.active[ownerID]
	if !ok {
		return nil, ErrNoSubscription
	}
	bal.Standard += standard
	bal.AI += ai
	bal.UpdatedAt = time.Now().UTC()
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Cancel(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[ownerID]; !ok {
		return ErrNoSubscription
	}
	delete(m.active, ownerID)
	return nil
}
