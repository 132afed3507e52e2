package subscription

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/plan"
)

// memoryStore is a mutex-guarded in-memory Store. It implements the same
// conditional-write semantics as the database-backed stores and is the
// reference implementation used in tests and local development.
type memoryStore struct {
	mu       sync.RWMutex
	byTenant map[uuid.UUID]*Subscription
	byID     map[uuid.UUID]*Subscription
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		byTenant: make(map[uuid.UUID]*Subscription),
		byID:     make(map[uuid.UUID]*Subscription),
	}
}

func (s *memoryStore) Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byTenant[tenantID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *memoryStore) Create(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTenant[sub.TenantID]; exists {
		return ErrSubscriptionAlreadyExists
	}

	stored := sub.Clone()
	if stored.Usage == nil {
		stored.Usage = make(map[plan.UsageType]int64)
	}
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.byTenant[stored.TenantID] = stored
	s.byID[stored.ID] = stored
	return nil
}

func (s *memoryStore) Update(ctx context.Context, sub *Subscription) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[sub.ID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if stored.Version != sub.Version {
		return nil, ErrVersionConflict
	}

	next := sub.Clone()
	next.Version = stored.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.byID[next.ID] = next
	s.byTenant[next.TenantID] = next
	return next.Clone(), nil
}

func (s *memoryStore) CompareAndIncrement(ctx context.Context, subID uuid.UUID, ut plan.UsageType, delta, expectedCurrent int64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[subID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if stored.Usage[ut] != expectedCurrent {
		return nil, ErrVersionConflict
	}

	stored.Usage[ut] += delta
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	return stored.Clone(), nil
}

func (s *memoryStore) ResetUsageForPeriod(ctx context.Context, subID uuid.UUID, newStart, newEnd time.Time) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[subID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}

	// Already advanced by a concurrent reset run: report current state.
	if !stored.PeriodStart.Before(newStart) {
		return stored.Clone(), nil
	}

	now := time.Now().UTC()
	stored.Usage = make(map[plan.UsageType]int64)
	stored.PeriodStart = newStart
	stored.PeriodEnd = newEnd
	stored.LastResetAt = &now
	stored.Version++
	stored.UpdatedAt = now
	return stored.Clone(), nil
}

func (s *memoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expired := make([]*Subscription, 0)
	for _, sub := range s.byID {
		if sub.PeriodLapsed(now) {
			expired = append(expired, sub.Clone())
		}
	}
	slices.SortFunc(expired, func(a, b *Subscription) int {
		return a.PeriodEnd.Compare(b.PeriodEnd)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}
