package feature

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/plan"
	"github.com/expensio/entitlements/pkg/subscription"
)

// Gate answers whether a feature is available to a tenant under its
// current plan and subscription status.
//
// Feature availability is a pure function of (plan, status): nothing is
// stored per feature, so the gate can never drift from the subscription
// record. Unknown feature keys and resolution failures both report the
// feature as unavailable (fail closed).
type Gate struct {
	store   subscription.Store
	catalog *plan.Catalog
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for resolution failures.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a feature gate over the given store and catalog.
func NewGate(store subscription.Store, catalog *plan.Catalog, opts ...Option) *Gate {
	if store == nil {
		panic("feature: subscription.Store is required")
	}
	if catalog == nil {
		panic("feature: plan.Catalog is required")
	}

	g := &Gate{
		store:   store,
		catalog: catalog,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsEnabled reports whether a feature is enabled for the tenant at any
// level. Returns false on any resolution error so security-sensitive
// callers fail closed.
func (g *Gate) IsEnabled(ctx context.Context, tenantID uuid.UUID, key plan.Feature) bool {
	level, err := g.Level(ctx, tenantID, key)
	if err != nil {
		g.log.ErrorContext(ctx, "feature resolution failed, denying",
			slog.String("tenant_id", tenantID.String()),
			slog.String("feature", string(key)),
			slog.String("error", err.Error()))
		return false
	}
	return level.Enabled()
}

// Level returns the tiered level of a feature for the tenant, LevelOff for
// unknown keys or plans that do not carry the feature.
func (g *Gate) Level(ctx context.Context, tenantID uuid.UUID, key plan.Feature) (plan.Level, error) {
	p, err := g.EffectivePlan(ctx, tenantID)
	if err != nil {
		return plan.LevelOff, err
	}
	return p.FeatureLevel(key), nil
}

// EffectivePlan resolves the plan whose features and limits currently
// apply to the tenant. Tenants without a subscription record get the free
// plan; canceled, inactive and trial-expired subscriptions are demoted to
// the free plan regardless of their nominal plan reference.
func (g *Gate) EffectivePlan(ctx context.Context, tenantID uuid.UUID) (plan.Plan, error) {
	sub, err := g.store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return g.catalog.Free(), nil
		}
		return plan.Plan{}, errors.Join(subscription.ErrStoreUnavailable, err)
	}

	if !sub.Entitled(g.now()) {
		return g.catalog.Free(), nil
	}

	p, err := g.catalog.Get(sub.PlanID)
	if err != nil {
		// A subscription referencing a plan the catalog no longer knows:
		// fail closed to free rather than guessing entitlements.
		g.log.WarnContext(ctx, "subscription references unknown plan",
			slog.String("tenant_id", tenantID.String()),
			slog.String("plan_id", sub.PlanID))
		return g.catalog.Free(), nil
	}
	return p, nil
}
