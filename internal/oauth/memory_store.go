package oauth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*Client
	codes   map[string]*AuthorizationCode
	access  map[string]*AccessToken
	refresh map[string]*RefreshToken
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[string]*Client),
		codes:   make(map[string]*AuthorizationCode),
		access:  make(map[string]*AccessToken),
		refresh: make(map[string]*RefreshToken),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.clients[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetClient(_ context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListClientsByOwner(_ context.Context, ownerID string) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Client
	for _, c := range m.clients {
		if c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ID]; !ok {
		return ErrClientNotFound
	}
	cp := *c
	m.clients[c.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteClient(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[id]; !ok {
		return ErrClientNotFound
	}
	delete(m.clients, id)
	for k, c := range m.codes {
		if c.ClientID == id {
			delete(m.codes, k)
		}
	}
	for k, t := range m.access {
		if t.ClientID == id {
			delete(m.access, k)
		}
	}
	for k, t := range m.refresh {
		if t.ClientID == id {
			delete(m.refresh, k)
		}
	}
	return nil
}

func (m *MemoryStore) CreateCode(_ context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *code
	m.codes[code.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateAccessToken(_ context.Context, t *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Scopes = append([]string(nil), t.Scopes...)
	m.access[t.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateRefreshToken(_ context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.refresh[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccessToken(_ context.Context, id string) (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.access[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	cp.Scopes = append([]string(nil), t.Scopes...)
	return &cp, nil
}

func (m *MemoryStore) RevokeAccessToken(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.access[id]
	if !ok {
		return ErrTokenNotFound
	}
	if t.RevokedAt == nil {
		t.RevokedAt = &at
	}
	for _, r := range m.refresh {
		if r.AccessTokenID == id && r.RevokedAt == nil {
			r.RevokedAt = &at
		}
	}
	return nil
}

func (m *MemoryStore) DeleteExpiredCodes(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.codes {
		if c.ExpiresAt.Before(now) || c.UsedAt != nil {
			delete(m.codes, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteExpiredAccessTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.access {
		if t.ExpiresAt.Before(now) || t.RevokedAt != nil {
			delete(m.access, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteExpiredRefreshTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.refresh {
		if t.ExpiresAt.Before(now) || t.RevokedAt != nil {
			delete(m.refresh, id)
			n++
		}
	}
	return n, nil
}
