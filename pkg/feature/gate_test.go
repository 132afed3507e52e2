package feature_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expensio/entitlements/pkg/feature"
	"github.com/expensio/entitlements/pkg/plan"
	"github.com/expensio/entitlements/pkg/subscription"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) *plan.Catalog {
	t.Helper()

	catalog, err := plan.NewCatalog(context.Background(), plan.NewInMemSource(map[string]plan.Plan{
		"free": {
			ID:       "free",
			Name:     "Free",
			Interval: plan.BillingIntervalNone,
			Default:  true,
			Limits:   map[plan.UsageType]int64{plan.UsageReceipts: 5},
			Features: map[plan.Feature]plan.Level{plan.FeatureOCR: plan.LevelBasic},
		},
		"business": {
			ID:       "business",
			Name:     "Business",
			TierRank: 2,
			Interval: plan.BillingIntervalMonthly,
			Limits:   map[plan.UsageType]int64{plan.UsageReceipts: plan.Unlimited},
			Features: map[plan.Feature]plan.Level{
				plan.FeatureOCR:               plan.LevelPremium,
				plan.FeatureAdvancedReporting: plan.LevelPremium,
			},
		},
	}))
	require.NoError(t, err)
	return catalog
}

func seedSubscription(t *testing.T, store subscription.Store, planID string, status subscription.Status, trialEndsAt *time.Time) uuid.UUID {
	t.Helper()

	sub := &subscription.Subscription{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		PlanID:      planID,
		Status:      status,
		TrialEndsAt: trialEndsAt,
		PeriodStart: testNow.AddDate(0, 0, -10),
		PeriodEnd:   testNow.AddDate(0, 0, 20),
		Usage:       make(map[plan.UsageType]int64),
		Version:     1,
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub.TenantID
}

func newGate(t *testing.T, store subscription.Store) *feature.Gate {
	t.Helper()
	return feature.NewGate(store, testCatalog(t), feature.WithClock(func() time.Time { return testNow }))
}

func TestGate_EffectivePlan(t *testing.T) {
	t.Parallel()

	t.Run("no record falls back to free", func(t *testing.T) {
		t.Parallel()

		gate := newGate(t, subscription.NewMemoryStore())
		p, err := gate.EffectivePlan(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.Equal(t, "free", p.ID)
	})

	t.Run("active business plan", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		tenantID := seedSubscription(t, store, "business", subscription.StatusActive, nil)

		p, err := newGate(t, store).EffectivePlan(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, "business", p.ID)
	})

	t.Run("canceled business plan demotes to free", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		tenantID := seedSubscription(t, store, "business", subscription.StatusCanceled, nil)

		p, err := newGate(t, store).EffectivePlan(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, "free", p.ID)
	})

	t.Run("past due keeps entitlements", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		tenantID := seedSubscription(t, store, "business", subscription.StatusPastDue, nil)

		p, err := newGate(t, store).EffectivePlan(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, "business", p.ID)
	})

	t.Run("expired trial demotes to free", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		expired := testNow.Add(-time.Hour)
		tenantID := seedSubscription(t, store, "business", subscription.StatusTrialing, &expired)

		p, err := newGate(t, store).EffectivePlan(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, "free", p.ID)
	})

	t.Run("running trial keeps the paid plan", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		ends := testNow.Add(72 * time.Hour)
		tenantID := seedSubscription(t, store, "business", subscription.StatusTrialing, &ends)

		p, err := newGate(t, store).EffectivePlan(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, "business", p.ID)
	})

	t.Run("unknown plan reference fails closed to free", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		tenantID := seedSubscription(t, store, "legacy_gold", subscription.StatusActive, nil)

		p, err := newGate(t, store).EffectivePlan(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, "free", p.ID)
	})
}

func TestGate_IsEnabled(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	businessTenant := seedSubscription(t, store, "business", subscription.StatusActive, nil)
	gate := newGate(t, store)

	t.Run("enabled feature", func(t *testing.T) {
		t.Parallel()
		assert.True(t, gate.IsEnabled(context.Background(), businessTenant, plan.FeatureAdvancedReporting))
	})

	t.Run("feature absent from effective plan", func(t *testing.T) {
		t.Parallel()
		// Tenant with no record resolves to free, which has no reporting.
		assert.False(t, gate.IsEnabled(context.Background(), uuid.New(), plan.FeatureAdvancedReporting))
	})

	t.Run("unknown feature key denies", func(t *testing.T) {
		t.Parallel()
		assert.False(t, gate.IsEnabled(context.Background(), businessTenant, "teleportation"))
	})
}

func TestGate_Level(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	businessTenant := seedSubscription(t, store, "business", subscription.StatusActive, nil)
	gate := newGate(t, store)

	level, err := gate.Level(context.Background(), businessTenant, plan.FeatureOCR)
	require.NoError(t, err)
	assert.Equal(t, plan.LevelPremium, level)

	level, err = gate.Level(context.Background(), uuid.New(), plan.FeatureOCR)
	require.NoError(t, err)
	assert.Equal(t, plan.LevelBasic, level)

	level, err = gate.Level(context.Background(), businessTenant, "unknown")
	require.NoError(t, err)
	assert.Equal(t, plan.LevelOff, level)
}
