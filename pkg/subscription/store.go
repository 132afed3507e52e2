package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/plan"
)

// Store defines the persistence contract for subscription records.
//
// All mutations are conditional writes: counters move only through
// CompareAndIncrement and plan/status changes only through version-checked
// Update. Unconditional overwrites are deliberately absent so two requests
// racing on the same counter cannot lose an update.
type Store interface {
	// Get retrieves a tenant's subscription.
	// Returns ErrSubscriptionNotFound if no record exists; callers treat
	// that as "free plan, active, zero usage" rather than an error.
	Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)

	// Create persists a new subscription. Returns
	// ErrSubscriptionAlreadyExists if the tenant already has one; the
	// one-subscription-per-tenant invariant is enforced here.
	Create(ctx context.Context, sub *Subscription) error

	// Update applies plan/status changes with a version check. Returns
	// ErrVersionConflict if the record changed since it was read.
	Update(ctx context.Context, sub *Subscription) (*Subscription, error)

	// CompareAndIncrement atomically adds delta to a usage counter,
	// provided the counter still holds expectedCurrent. Returns
	// ErrVersionConflict when a concurrent caller got there first.
	CompareAndIncrement(ctx context.Context, subID uuid.UUID, ut plan.UsageType, delta, expectedCurrent int64) (*Subscription, error)

	// ResetUsageForPeriod zeroes the usage map and advances the period
	// boundaries. A no-op (not an error) if the period has already been
	// advanced to newStart or later by a concurrent reset run.
	ResetUsageForPeriod(ctx context.Context, subID uuid.UUID, newStart, newEnd time.Time) (*Subscription, error)

	// ListExpired returns up to limit subscriptions whose period end has
	// passed, for the reset sweep. Ordered by period end ascending; a limit
	// below 1 disables the cap.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}
