package usage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expensio/entitlements/pkg/feature"
	"github.com/expensio/entitlements/pkg/plan"
	"github.com/expensio/entitlements/pkg/subscription"
	"github.com/expensio/entitlements/pkg/usage"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testPlans() map[string]plan.Plan {
	return map[string]plan.Plan{
		"free": {
			ID:       "free",
			Name:     "Free",
			Interval: plan.BillingIntervalNone,
			Default:  true,
			Limits: map[plan.UsageType]int64{
				plan.UsageReceipts: 5,
				plan.UsageInvoices: 3,
			},
		},
		"pro": {
			ID:       "pro",
			Name:     "Pro",
			TierRank: 1,
			Interval: plan.BillingIntervalMonthly,
			Limits: map[plan.UsageType]int64{
				plan.UsageReceipts: 100,
				plan.UsageAPICalls: plan.Unlimited,
			},
			Features: map[plan.Feature]plan.Level{
				plan.FeatureAPI: plan.LevelBasic,
			},
		},
	}
}

func testCatalog(t *testing.T) *plan.Catalog {
	t.Helper()
	catalog, err := plan.NewCatalog(context.Background(), plan.NewInMemSource(testPlans()))
	require.NoError(t, err)
	return catalog
}

func fixedClock() time.Time { return testNow }

func newService(t *testing.T, store subscription.Store, opts ...usage.Option) *usage.Service {
	t.Helper()
	opts = append([]usage.Option{usage.WithClock(fixedClock)}, opts...)
	return usage.NewService(store, testCatalog(t), opts...)
}

func seedPro(t *testing.T, store subscription.Store) uuid.UUID {
	t.Helper()

	sub := &subscription.Subscription{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		PlanID:      "pro",
		Status:      subscription.StatusActive,
		PeriodStart: testNow.AddDate(0, 0, -10),
		PeriodEnd:   testNow.AddDate(0, 0, 20),
		Usage:       make(map[plan.UsageType]int64),
		Version:     1,
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub.TenantID
}

func TestService_RecordUsage(t *testing.T) {
	t.Parallel()

	t.Run("free tenant consumes up to the limit", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		svc := newService(t, store)
		tenantID := uuid.New()

		// Five receipts on the free plan; all five commit.
		for i := range 5 {
			res, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 1)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, int64(i+1), res.Current)
			assert.Equal(t, int64(5), res.Limit)
			assert.Equal(t, int64(4-i), res.Remaining)
		}

		// The sixth is denied with the exhausted numbers.
		res, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 1)
		assert.ErrorIs(t, err, usage.ErrLimitExceeded)
		assert.False(t, res.Allowed)
		assert.Equal(t, int64(5), res.Current)
		assert.Equal(t, int64(5), res.Limit)
		assert.Zero(t, res.Remaining)

		// The denied attempt must not have mutated the counter.
		sub, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), sub.UsageOf(plan.UsageReceipts))
	})

	t.Run("lazily creates the free subscription", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		svc := newService(t, store)
		tenantID := uuid.New()

		_, err := store.Get(context.Background(), tenantID)
		require.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

		_, err = svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 1)
		require.NoError(t, err)

		sub, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, "free", sub.PlanID)
		assert.Equal(t, int64(1), sub.UsageOf(plan.UsageReceipts))
	})

	t.Run("amount larger than remaining is denied whole", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		svc := newService(t, store)
		tenantID := uuid.New()

		res, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(4), res.Current)

		// 4 used, 2 requested, 5 allowed: no partial admission.
		_, err = svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 2)
		assert.ErrorIs(t, err, usage.ErrLimitExceeded)

		sub, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), sub.UsageOf(plan.UsageReceipts))
	})

	t.Run("non-positive amounts are rejected", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		svc := newService(t, store)
		tenantID := uuid.New()

		_, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 4)
		require.NoError(t, err)

		// A negative amount would decrement the counter and hand quota back.
		_, err = svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, -3)
		assert.ErrorIs(t, err, usage.ErrInvalidAmount)

		_, err = svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 0)
		assert.ErrorIs(t, err, usage.ErrInvalidAmount)

		// Even bypass cannot move a counter backwards.
		_, err = svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, -1, usage.WithBypassLimits())
		assert.ErrorIs(t, err, usage.ErrInvalidAmount)

		sub, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), sub.UsageOf(plan.UsageReceipts))
	})

	t.Run("usage type missing from the plan is a hard deny", func(t *testing.T) {
		t.Parallel()

		svc := newService(t, subscription.NewMemoryStore())
		res, err := svc.RecordUsage(context.Background(), uuid.New(), plan.UsageStorageMB, 1)
		assert.ErrorIs(t, err, usage.ErrLimitExceeded)
		assert.Zero(t, res.Limit)
	})

	t.Run("unlimited commits and still counts", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		svc := newService(t, store)
		tenantID := seedPro(t, store)

		for range 3 {
			res, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageAPICalls, 1)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, plan.Unlimited, res.Limit)
			assert.Equal(t, int64(-1), res.Remaining)
		}

		sub, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), sub.UsageOf(plan.UsageAPICalls))
	})

	t.Run("bypass skips the limit but records usage", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		rec := subscription.NewMemoryRecorder()
		svc := newService(t, store, usage.WithRecorder(rec))
		tenantID := uuid.New()

		_, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 5)
		require.NoError(t, err)

		res, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 2, usage.WithBypassLimits())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(7), res.Current)

		events := rec.Events()
		require.Len(t, events, 2)
		assert.False(t, events[0].Bypass)
		assert.True(t, events[1].Bypass)
	})

	t.Run("canceled paid plan falls back to free limits", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		sub := &subscription.Subscription{
			ID:          uuid.New(),
			TenantID:    uuid.New(),
			PlanID:      "pro",
			Status:      subscription.StatusCanceled,
			PeriodStart: testNow.AddDate(0, 0, -10),
			PeriodEnd:   testNow.AddDate(0, 0, 20),
			Usage:       map[plan.UsageType]int64{plan.UsageReceipts: 5},
			Version:     1,
		}
		require.NoError(t, store.Create(context.Background(), sub))

		svc := newService(t, store)
		res, err := svc.RecordUsage(context.Background(), sub.TenantID, plan.UsageReceipts, 1)
		assert.ErrorIs(t, err, usage.ErrLimitExceeded)
		// Free limit applies, not pro's 100.
		assert.Equal(t, int64(5), res.Limit)
	})

	t.Run("lapsed period resets counters on first use", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		sub := &subscription.Subscription{
			ID:          uuid.New(),
			TenantID:    uuid.New(),
			PlanID:      "free",
			Status:      subscription.StatusActive,
			PeriodStart: testNow.AddDate(0, -2, 0),
			PeriodEnd:   testNow.AddDate(0, -1, 0),
			Usage:       map[plan.UsageType]int64{plan.UsageReceipts: 5},
			Version:     1,
		}
		require.NoError(t, store.Create(context.Background(), sub))

		svc := newService(t, store)
		res, err := svc.RecordUsage(context.Background(), sub.TenantID, plan.UsageReceipts, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Current)

		rolled, err := store.Get(context.Background(), sub.TenantID)
		require.NoError(t, err)
		assert.Equal(t, testNow, rolled.PeriodStart)
		assert.Equal(t, testNow.AddDate(0, 1, 0), rolled.PeriodEnd)
	})

	t.Run("concurrent requests never exceed capacity", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		// Generous retry cap so contention surfaces as denials, not conflicts.
		svc := newService(t, store, usage.WithMaxAttempts(64))
		tenantID := uuid.New()

		const requests = 20 // against a free capacity of 5
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			committed int
			denied    int
		)
		for range requests {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					committed++
				case errors.Is(err, usage.ErrLimitExceeded):
					denied++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, committed)
		assert.Equal(t, requests-5, denied)

		sub, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), sub.UsageOf(plan.UsageReceipts))
	})

	t.Run("exhausted retries surface a transient conflict", func(t *testing.T) {
		t.Parallel()

		store := &conflictingStore{Store: subscription.NewMemoryStore()}
		svc := usage.NewService(store, testCatalog(t), usage.WithClock(fixedClock), usage.WithMaxAttempts(3))
		tenantID := uuid.New()

		_, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 1)
		assert.ErrorIs(t, err, usage.ErrTransientConflict)
		assert.Equal(t, 3, store.casCalls)
	})

	t.Run("feature-gated usage type", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		gate := feature.NewGate(store, testCatalog(t), feature.WithClock(fixedClock))
		gatedBy := map[plan.UsageType]plan.Feature{plan.UsageAPICalls: plan.FeatureAPI}

		svc := newService(t, store, usage.WithFeatureGate(gate, gatedBy))

		// Free tenant has no API feature.
		_, err := svc.RecordUsage(context.Background(), uuid.New(), plan.UsageAPICalls, 1)
		assert.ErrorIs(t, err, usage.ErrFeatureDisabled)

		// Pro tenant does.
		proTenant := seedPro(t, store)
		res, err := svc.RecordUsage(context.Background(), proTenant, plan.UsageAPICalls, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		// Bypass skips the feature check too.
		res, err = svc.RecordUsage(context.Background(), uuid.New(), plan.UsageAPICalls, 1, usage.WithBypassLimits())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})
}

func TestService_CheckLimit(t *testing.T) {
	t.Parallel()

	t.Run("does not mutate state", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		svc := newService(t, store)
		tenantID := uuid.New()

		res, err := svc.CheckLimit(context.Background(), tenantID, plan.UsageReceipts, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(5), res.Remaining)

		// No lazy record creation on a read.
		_, err = store.Get(context.Background(), tenantID)
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("reports exhausted capacity", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		svc := newService(t, store)
		tenantID := uuid.New()

		_, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 5)
		require.NoError(t, err)

		res, err := svc.CheckLimit(context.Background(), tenantID, plan.UsageReceipts, 1)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Zero(t, res.Remaining)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		t.Parallel()

		svc := newService(t, subscription.NewMemoryStore())

		_, err := svc.CheckLimit(context.Background(), uuid.New(), plan.UsageReceipts, -1)
		assert.ErrorIs(t, err, usage.ErrInvalidAmount)

		_, err = svc.CheckLimit(context.Background(), uuid.New(), plan.UsageReceipts, 0)
		assert.ErrorIs(t, err, usage.ErrInvalidAmount)
	})

	t.Run("treats lapsed-period counters as zero", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		sub := &subscription.Subscription{
			ID:          uuid.New(),
			TenantID:    uuid.New(),
			PlanID:      "free",
			Status:      subscription.StatusActive,
			PeriodStart: testNow.AddDate(0, -2, 0),
			PeriodEnd:   testNow.AddDate(0, -1, 0),
			Usage:       map[plan.UsageType]int64{plan.UsageReceipts: 5},
			Version:     1,
		}
		require.NoError(t, store.Create(context.Background(), sub))

		svc := newService(t, store)
		res, err := svc.CheckLimit(context.Background(), sub.TenantID, plan.UsageReceipts, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Zero(t, res.Current)
	})
}

func TestService_Snapshot(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	svc := newService(t, store)
	tenantID := seedPro(t, store)

	_, err := svc.RecordUsage(context.Background(), tenantID, plan.UsageReceipts, 25)
	require.NoError(t, err)
	_, err = svc.RecordUsage(context.Background(), tenantID, plan.UsageAPICalls, 10)
	require.NoError(t, err)

	snap, err := svc.Snapshot(context.Background(), tenantID)
	require.NoError(t, err)
	require.Len(t, snap, 2)

	receipts := snap[plan.UsageReceipts]
	assert.Equal(t, int64(25), receipts.Current)
	assert.Equal(t, int64(100), receipts.Limit)
	assert.Equal(t, 25, receipts.Percentage)

	api := snap[plan.UsageAPICalls]
	assert.Equal(t, int64(10), api.Current)
	assert.Equal(t, plan.Unlimited, api.Limit)
	assert.Equal(t, -1, api.Percentage)

	// Unknown tenant snapshots against the free plan at zero.
	snap, err = svc.Snapshot(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, snap[plan.UsageReceipts].Current)
	assert.Equal(t, int64(5), snap[plan.UsageReceipts].Limit)
}

// conflictingStore reports a version conflict on every increment, simulating
// a counter hot enough that every attempt loses the race.
type conflictingStore struct {
	subscription.Store
	casCalls int
}

func (s *conflictingStore) CompareAndIncrement(ctx context.Context, id uuid.UUID, ut plan.UsageType, delta, expected int64) (*subscription.Subscription, error) {
	s.casCalls++
	return nil, subscription.ErrVersionConflict
}
