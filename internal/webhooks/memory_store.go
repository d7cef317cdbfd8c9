package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	deliveries map[string]*Delivery
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[string]*Subscription),
		deliveries: make(map[string]*Delivery),
	}
}

var _ Store = (*MemoryStore)(nil)

func copySub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]EventType(nil), s.Events...)
	return &cp
}

func copyDelivery(d *Delivery) *Delivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	cp.NextRetryAt = copyTime(d.NextRetryAt)
	cp.DeliveredAt = copyTime(d.DeliveredAt)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.ClientID == sub.ClientID {
			n++
		}
	}
	if n >= limit {
		return ErrLimitReached
	}
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySub(s), nil
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.ClientID == clientID {
			out = append(out, copySub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountByClient(_ context.Context, clientID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.subs {
		if s.ClientID == clientID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrNotFound
	}
	next := copySub(sub)
	next.Secret = cur.Secret
	m.subs[sub.ID] = next
	return nil
}

func (m *MemoryStore) UpdateSecret(_ context.Context, id, secret string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	cur.Secret = secret
	cur.UpdatedAt = updatedAt
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) DeleteByClient(_ context.Context, clientID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.subs {
		if s.ClientID == clientID {
			delete(m.subs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListActiveForEvent(_ context.Context, clientID string, event EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.ClientID == clientID && s.Active && s.Subscribed(event) {
			out = append(out, copySub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return copyDelivery(d), nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, subscriptionID string, f DeliveryFilter) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID != subscriptionID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if !f.Cursor.After(d.CreatedAt, d.ID) {
			continue
		}
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	out := make([]*Delivery, len(all))
	for i, d := range all {
		out[i] = copyDelivery(d)
	}
	return out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*Delivery
	for _, d := range m.deliveries {
		if d.Status == StatusPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Delivery, len(due))
	for i, d := range due {
		out[i] = copyDelivery(d)
	}
	return out, nil
}

func (m *MemoryStore) ClaimDelivery(_ context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != StatusPending || d.Attempts != attempts {
		return false, nil
	}
	if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
		return false, nil
	}
	lease := leaseUntil
	d.NextRetryAt = &lease
	d.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) CompleteDelivery(_ context.Context, id string, attempts int, out Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != StatusPending || d.Attempts != attempts {
		return false, nil
	}
	out.apply(d)
	return true, nil
}

func (m *MemoryStore) DeleteDeliveriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.deliveries {
		if d.CreatedAt.Before(cutoff) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}
