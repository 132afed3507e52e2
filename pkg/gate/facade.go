package gate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/feature"
	"github.com/expensio/entitlements/pkg/plan"
	"github.com/expensio/entitlements/pkg/reset"
	"github.com/expensio/entitlements/pkg/subscription"
	"github.com/expensio/entitlements/pkg/usage"
)

// adminResetAttempts bounds retries when a manual reset races with
// concurrent increments on the same record.
const adminResetAttempts = 3

// Facade is the single entry point request handlers call: "may this
// request proceed, and if it proceeds, record the usage". Construct one at
// process start and pass it by reference to request-handling code.
type Facade struct {
	features *feature.Gate
	usage    *usage.Service
	sweeper  *reset.Sweeper
	store    subscription.Store
	log      *slog.Logger
}

// Option configures a Facade.
type Option func(*Facade)

// WithSweeper wires the reset sweeper so RunScheduledResets can be invoked
// through the facade by an external cron trigger.
func WithSweeper(s *reset.Sweeper) Option {
	return func(f *Facade) { f.sweeper = s }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Facade) {
		if log != nil {
			f.log = log
		}
	}
}

// New creates the request-gating facade.
func New(features *feature.Gate, usageSvc *usage.Service, store subscription.Store, opts ...Option) *Facade {
	if features == nil {
		panic("gate: feature.Gate is required")
	}
	if usageSvc == nil {
		panic("gate: usage.Service is required")
	}
	if store == nil {
		panic("gate: subscription.Store is required")
	}

	f := &Facade{
		features: features,
		usage:    usageSvc,
		store:    store,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Authorize evaluates the feature check (if requested) and then commits
// the usage charge (if requested). Business-rule denials come back as a
// Decision, never as an error; infrastructure failures (transient
// conflicts, store timeouts) are returned as errors so callers can retry
// or degrade — a timeout is never silently mapped to "allowed".
func (f *Facade) Authorize(ctx context.Context, tenantID uuid.UUID, req Request) (Decision, error) {
	if req.Feature != nil {
		if !f.features.IsEnabled(ctx, tenantID, *req.Feature) {
			return Decision{
				Outcome:       OutcomeDeniedFeature,
				DeniedFeature: *req.Feature,
			}, nil
		}
	}

	if req.Usage == nil {
		return Decision{Outcome: OutcomeCommitted}, nil
	}

	amount := req.Usage.Amount
	if amount == 0 {
		amount = 1
	}
	if amount < 0 {
		return Decision{}, usage.ErrInvalidAmount
	}

	result, err := f.usage.RecordUsage(ctx, tenantID, req.Usage.Type, amount)
	if err == nil {
		return Decision{Outcome: OutcomeCommitted, Usage: &result}, nil
	}

	switch {
	case errors.Is(err, usage.ErrLimitExceeded):
		return Decision{Outcome: OutcomeDeniedLimit, Usage: &result}, nil
	case errors.Is(err, usage.ErrFeatureDisabled):
		return Decision{Outcome: OutcomeDeniedFeature, DeniedFeature: f.gatingFeature(req.Usage.Type)}, nil
	case errors.Is(err, usage.ErrNoSubscription):
		return Decision{Outcome: OutcomeDeniedNoSubscription}, nil
	default:
		// ErrTransientConflict, ErrStoreUnavailable: infrastructure, not a
		// business denial. Logged at error severity since it signals
		// trouble rather than an expected rule outcome.
		f.log.ErrorContext(ctx, "authorization failed",
			slog.String("tenant_id", tenantID.String()),
			slog.String("usage_type", string(req.Usage.Type)),
			slog.String("error", err.Error()))
		return Decision{}, err
	}
}

// GetUsageSnapshot returns current/limit/percentage per usage type of the
// tenant's effective plan, for dashboards.
func (f *Facade) GetUsageSnapshot(ctx context.Context, tenantID uuid.UUID) (map[plan.UsageType]usage.UsageInfo, error) {
	return f.usage.Snapshot(ctx, tenantID)
}

// IsFeatureEnabled exposes the feature gate for callers that only need a
// capability check without any usage accounting.
func (f *Facade) IsFeatureEnabled(ctx context.Context, tenantID uuid.UUID, key plan.Feature) bool {
	return f.features.IsEnabled(ctx, tenantID, key)
}

// FeatureLevel returns the tiered level of a feature for the tenant.
func (f *Facade) FeatureLevel(ctx context.Context, tenantID uuid.UUID, key plan.Feature) (plan.Level, error) {
	return f.features.Level(ctx, tenantID, key)
}

// ResetTenantUsage zeroes a tenant's counters within the current billing
// period. Manual support override; logged distinctly. No-op for tenants
// without a subscription record (their usage is already zero).
func (f *Facade) ResetTenantUsage(ctx context.Context, tenantID uuid.UUID) error {
	var lastErr error
	for range adminResetAttempts {
		sub, err := f.store.Get(ctx, tenantID)
		if err != nil {
			if errors.Is(err, subscription.ErrSubscriptionNotFound) {
				return nil
			}
			return errors.Join(usage.ErrStoreUnavailable, err)
		}

		sub.Usage = make(map[plan.UsageType]int64)
		if _, err := f.store.Update(ctx, sub); err != nil {
			if errors.Is(err, subscription.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return errors.Join(usage.ErrStoreUnavailable, err)
		}

		f.log.WarnContext(ctx, "tenant usage manually reset",
			slog.String("tenant_id", tenantID.String()))
		return nil
	}
	return errors.Join(usage.ErrTransientConflict, lastErr)
}

// RunScheduledResets runs one reset sweep, for external scheduler/cron
// triggers. Requires WithSweeper.
func (f *Facade) RunScheduledResets(ctx context.Context) (reset.Report, error) {
	if f.sweeper == nil {
		return reset.Report{}, errors.New("gate: no sweeper configured")
	}
	return f.sweeper.Run(ctx)
}

// gatingFeature reports which feature gates a usage type, for denial
// messages. The zero feature when no mapping is known.
func (f *Facade) gatingFeature(ut plan.UsageType) plan.Feature {
	return f.usage.GatingFeature(ut)
}
