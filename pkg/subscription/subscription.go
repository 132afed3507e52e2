package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/plan"
)

// Status represents the current state of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusInactive Status = "inactive"
)

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusInactive:
		return true
	}
	return false
}

// Subscription is a tenant's subscription record: the plan reference, the
// lifecycle status, the current billing period and the aggregate usage
// counters that admission decisions are made against.
//
// Each tenant has at most one subscription; TenantID is unique in every
// store implementation. Version is the optimistic-concurrency token all
// conditional writes check against.
type Subscription struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	PlanID      string
	Status      Status
	TrialEndsAt *time.Time // Set only for plans with trials
	PeriodStart time.Time
	PeriodEnd   time.Time
	Usage       map[plan.UsageType]int64
	LastResetAt *time.Time
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UsageOf returns the consumed amount for a usage type, zero when the
// counter has never been incremented this period.
func (s *Subscription) UsageOf(ut plan.UsageType) int64 {
	return s.Usage[ut]
}

// IsTrialExpired reports whether a trial deadline exists and has passed.
func (s *Subscription) IsTrialExpired(now time.Time) bool {
	return s.TrialEndsAt != nil && now.After(*s.TrialEndsAt)
}

// Entitled reports whether the subscription still grants its nominal
// plan's features and limits. Canceled and inactive subscriptions fall
// back to the free plan, as do trials past their deadline. Past-due
// subscriptions keep entitlements during the dunning grace period.
func (s *Subscription) Entitled(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusPastDue:
		return true
	case StatusTrialing:
		return !s.IsTrialExpired(now)
	default:
		return false
	}
}

// PeriodLapsed reports whether the billing period has rolled over and the
// usage counters are due for a reset.
func (s *Subscription) PeriodLapsed(now time.Time) bool {
	return !now.Before(s.PeriodEnd)
}

// Clone returns a deep copy, so callers can hand records across goroutine
// boundaries without sharing the usage map.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	out := *s
	out.Usage = make(map[plan.UsageType]int64, len(s.Usage))
	for ut, n := range s.Usage {
		out.Usage[ut] = n
	}
	if s.TrialEndsAt != nil {
		t := *s.TrialEndsAt
		out.TrialEndsAt = &t
	}
	if s.LastResetAt != nil {
		t := *s.LastResetAt
		out.LastResetAt = &t
	}
	return &out
}

// NewFree constructs the default subscription a tenant implicitly holds
// before any billing event: free plan, active, zero usage, period starting
// now. Stores persist it lazily on the first recorded usage.
func NewFree(tenantID uuid.UUID, free plan.Plan, now time.Time) *Subscription {
	now = now.UTC()
	return &Subscription{
		ID:          uuid.New(),
		TenantID:    tenantID,
		PlanID:      free.ID,
		Status:      StatusActive,
		PeriodStart: now,
		PeriodEnd:   free.PeriodEnd(now),
		Usage:       make(map[plan.UsageType]int64),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
