package usage

import (
	"context"
	"sync"
	"time"

	"github.com/sudigital/neptu-api/internal/pagination"
)

// MemoryStore keeps records in memory, grouped by credential.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record // credentialID -> records in append order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]*Record)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.CredentialID] = append(m.records[rec.CredentialID], &cp)
	return nil
}

func (m *MemoryStore) ListByCredential(_ context.Context, credentialID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[credentialID]
	sorted := make([]*Record, len(recs))
	copy(sorted, recs)
	sortNewestFirst(sorted)

	var out []*Record
	for _, r := range sorted {
		if !cursor.After(r.CreatedAt, r.ID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Summary(_ context.Context, credentialID string, since time.Time) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := &Summary{CredentialID: credentialID, Since: since}
	for _, r := range m.records[credentialID] {
		if r.CreatedAt.Before(since) {
			continue
		}
		sum.add(r)
	}
	return sum, nil
}

func sortNewestFirst(recs []*Record) {
	// insertion sort: appends arrive nearly ordered
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && newer(recs[j], recs[j-1]); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func newer(a, b *Record) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}
