package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Credential
	byHash map[string]string // hash -> id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Credential),
		byHash: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyCredential(cred)
	s.byID[cp.ID] = cp
	s.byHash[cp.KeyHash] = cp.ID
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return copyCredential(s.byID[id]), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Credential
	for _, c := range s.byID {
		if c.OwnerID == ownerID {
			out = append(out, copyCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return ErrCredentialNotFound
	}
	if c.RevokedAt == nil {
		c.RevokedAt = &at
	}
	return nil
}

func copyCredential(c *Credential) *Credential {
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
