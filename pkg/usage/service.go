package usage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/plan"
	"github.com/expensio/entitlements/pkg/subscription"
)

// defaultMaxAttempts bounds the read-evaluate-increment retry loop. Each
// retry means another request incremented the same counter between our
// read and write; three attempts absorb ordinary contention without
// letting a hot counter spin forever.
const defaultMaxAttempts = 3

// Service is the admission-control core: it evaluates usage against plan
// limits and, on success, commits the increment through the store's
// compare-and-swap contract.
type Service struct {
	store       subscription.Store
	catalog     *plan.Catalog
	recorder    subscription.Recorder
	gate        featureGate
	gatedBy     map[plan.UsageType]plan.Feature
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time
}

// featureGate is the slice of the feature gate the accounting core needs.
type featureGate interface {
	IsEnabled(ctx context.Context, tenantID uuid.UUID, key plan.Feature) bool
}

// NewService creates the usage accounting service.
func NewService(store subscription.Store, catalog *plan.Catalog, opts ...Option) *Service {
	if store == nil {
		panic("usage: subscription.Store is required")
	}
	if catalog == nil {
		panic("usage: plan.Catalog is required")
	}

	s := &Service{
		store:       store,
		catalog:     catalog,
		recorder:    subscription.NoopRecorder{},
		maxAttempts: defaultMaxAttempts,
		log:         slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckLimit is a pure pre-flight read: would the requested amount fit
// under the tenant's limit? No state is mutated; a caller that proceeds
// must still commit through RecordUsage, which re-evaluates.
func (s *Service) CheckLimit(ctx context.Context, tenantID uuid.UUID, ut plan.UsageType, amount int64) (CheckResult, error) {
	if amount < 1 {
		return CheckResult{}, ErrInvalidAmount
	}

	sub, err := s.store.Get(ctx, tenantID)
	if err != nil && !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return CheckResult{}, errors.Join(ErrStoreUnavailable, err)
	}

	now := s.now()
	p := s.effectivePlan(ctx, sub, now)
	limit := p.LimitFor(ut)

	var current int64
	// Counters from a lapsed period are stale; the pending reset will zero
	// them, so evaluate against the fresh period.
	if sub != nil && !sub.PeriodLapsed(now) {
		current = sub.UsageOf(ut)
	}

	allowed := limit == plan.Unlimited || current+amount <= limit
	return CheckResult{
		Allowed:   allowed,
		Current:   current,
		Limit:     limit,
		Remaining: remaining(limit, current),
	}, nil
}

// RecordUsage is the admission-and-commit operation: it re-reads current
// state, evaluates the limit and atomically increments the counter. When
// the compare-and-swap detects a concurrent increment, the whole
// read-evaluate-increment sequence retries up to the attempt cap, then
// surfaces ErrTransientConflict.
//
// Unlimited usage types skip only the limit evaluation; the increment (and
// its conflict retry) still runs so usage is recorded for analytics.
func (s *Service) RecordUsage(ctx context.Context, tenantID uuid.UUID, ut plan.UsageType, amount int64, opts ...RecordOption) (CheckResult, error) {
	// Counters only move forward within a period; a non-positive amount
	// would decrement through the conditional increment and hand quota back.
	if amount < 1 {
		return CheckResult{}, ErrInvalidAmount
	}

	var rec recordOptions
	for _, opt := range opts {
		opt(&rec)
	}

	if !rec.bypass {
		if ft, gated := s.gatedBy[ut]; gated && s.gate != nil {
			if !s.gate.IsEnabled(ctx, tenantID, ft) {
				s.log.DebugContext(ctx, "usage denied, feature disabled",
					slog.String("tenant_id", tenantID.String()),
					slog.String("usage_type", string(ut)),
					slog.String("feature", string(ft)))
				return CheckResult{}, ErrFeatureDisabled
			}
		}
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		sub, err := s.loadOrCreate(ctx, tenantID)
		if err != nil {
			if errors.Is(err, subscription.ErrSubscriptionAlreadyExists) {
				continue // lost the creation race, re-read
			}
			return CheckResult{}, err
		}

		now := s.now()
		if sub.PeriodLapsed(now) {
			sub, err = s.rollPeriod(ctx, sub, now)
			if err != nil {
				return CheckResult{}, err
			}
		}

		p := s.effectivePlan(ctx, sub, now)
		limit := p.LimitFor(ut)
		current := sub.UsageOf(ut)

		if !rec.bypass && limit != plan.Unlimited && current+amount > limit {
			s.log.DebugContext(ctx, "usage denied, limit exceeded",
				slog.String("tenant_id", tenantID.String()),
				slog.String("usage_type", string(ut)),
				slog.Int64("current", current),
				slog.Int64("limit", limit))
			return CheckResult{
				Allowed:   false,
				Current:   current,
				Limit:     limit,
				Remaining: remaining(limit, current),
			}, ErrLimitExceeded
		}

		updated, err := s.store.CompareAndIncrement(ctx, sub.ID, ut, amount, current)
		if err != nil {
			if errors.Is(err, subscription.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, subscription.ErrSubscriptionNotFound) {
				return CheckResult{}, ErrNoSubscription
			}
			return CheckResult{}, errors.Join(ErrStoreUnavailable, err)
		}

		s.audit(ctx, tenantID, ut, amount, rec)

		newCurrent := updated.UsageOf(ut)
		return CheckResult{
			Allowed:   true,
			Current:   newCurrent,
			Limit:     limit,
			Remaining: remaining(limit, newCurrent),
		}, nil
	}

	s.log.WarnContext(ctx, "usage increment retries exhausted",
		slog.String("tenant_id", tenantID.String()),
		slog.String("usage_type", string(ut)),
		slog.Int("attempts", s.maxAttempts))
	return CheckResult{}, ErrTransientConflict
}

// Snapshot returns the current usage, limit and percentage for every usage
// type of the tenant's effective plan, for dashboards.
func (s *Service) Snapshot(ctx context.Context, tenantID uuid.UUID) (map[plan.UsageType]UsageInfo, error) {
	sub, err := s.store.Get(ctx, tenantID)
	if err != nil && !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	now := s.now()
	p := s.effectivePlan(ctx, sub, now)

	out := make(map[plan.UsageType]UsageInfo, len(p.Limits))
	for ut, limit := range p.Limits {
		var current int64
		if sub != nil && !sub.PeriodLapsed(now) {
			current = sub.UsageOf(ut)
		}
		out[ut] = UsageInfo{
			Current:    current,
			Limit:      limit,
			Percentage: percentage(limit, current),
		}
	}
	return out, nil
}

// GatingFeature reports which feature gates a usage type, the zero value
// when the usage type is not feature-gated.
func (s *Service) GatingFeature(ut plan.UsageType) plan.Feature {
	return s.gatedBy[ut]
}

// loadOrCreate fetches the tenant's subscription, lazily persisting the
// default free record on first use. Tenants without a row behave exactly
// like tenants explicitly on the free plan with zero usage.
func (s *Service) loadOrCreate(ctx context.Context, tenantID uuid.UUID) (*subscription.Subscription, error) {
	sub, err := s.store.Get(ctx, tenantID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	fresh := subscription.NewFree(tenantID, s.catalog.Free(), s.now())
	if err := s.store.Create(ctx, fresh); err != nil {
		if errors.Is(err, subscription.ErrSubscriptionAlreadyExists) {
			return nil, err
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return fresh, nil
}

// rollPeriod advances a lapsed billing period before applying usage, so a
// tenant's first request after rollover does not count against stale
// counters. The store's no-op contract keeps this safe against the
// scheduled sweep doing the same thing concurrently.
func (s *Service) rollPeriod(ctx context.Context, sub *subscription.Subscription, now time.Time) (*subscription.Subscription, error) {
	p := s.effectivePlan(ctx, sub, now)

	nextStart := sub.PeriodEnd
	if now.After(nextStart) {
		nextStart = now
	}

	rolled, err := s.store.ResetUsageForPeriod(ctx, sub.ID, nextStart, p.PeriodEnd(nextStart))
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return rolled, nil
}

// effectivePlan mirrors the feature gate's resolution: nominal plan while
// entitled, free plan for missing records, lapsed entitlements and
// dangling plan references.
func (s *Service) effectivePlan(ctx context.Context, sub *subscription.Subscription, now time.Time) plan.Plan {
	if sub == nil || !sub.Entitled(now) {
		return s.catalog.Free()
	}
	p, err := s.catalog.Get(sub.PlanID)
	if err != nil {
		s.log.WarnContext(ctx, "subscription references unknown plan",
			slog.String("tenant_id", sub.TenantID.String()),
			slog.String("plan_id", sub.PlanID))
		return s.catalog.Free()
	}
	return p
}

// audit appends the usage event to the trail. Recorder failures are logged
// and swallowed: the counter increment is already committed and the
// aggregate counter, not the trail, is authoritative.
func (s *Service) audit(ctx context.Context, tenantID uuid.UUID, ut plan.UsageType, amount int64, rec recordOptions) {
	if rec.bypass {
		// Administrative overrides are logged distinctly from normal
		// admission decisions.
		s.log.WarnContext(ctx, "usage recorded with limit bypass",
			slog.String("tenant_id", tenantID.String()),
			slog.String("usage_type", string(ut)),
			slog.Int64("amount", amount))
	}

	err := s.recorder.Record(ctx, subscription.Event{
		ID:        uuid.New(),
		TenantID:  tenantID,
		UsageType: ut,
		Amount:    amount,
		Bypass:    rec.bypass,
		Metadata:  rec.metadata,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "failed to append usage record",
			slog.String("tenant_id", tenantID.String()),
			slog.String("usage_type", string(ut)),
			slog.String("error", err.Error()))
	}
}
