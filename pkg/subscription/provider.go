package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/plan"
)

// EventType identifies a billing-provider lifecycle event. The webhook
// handler that parses provider payloads lives outside this module; it
// delivers provider-agnostic ProviderEvents here.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventPaymentFailed        EventType = "payment.failed"
)

// ProviderEvent is a plan/status change originating from the billing
// provider. This is the only path that mutates a subscription's plan
// reference or status; usage counters are never touched here.
type ProviderEvent struct {
	Type       EventType
	TenantID   uuid.UUID
	PlanID     string
	Status     Status
	OccurredAt time.Time
}

// providerUpdateAttempts bounds retries when a provider event races with
// counter increments on the same record.
const providerUpdateAttempts = 3

// ApplyProviderEvent writes the subscription state change described by a
// provider event. Version conflicts with concurrent usage increments are
// retried a bounded number of times before surfacing.
func ApplyProviderEvent(ctx context.Context, store Store, catalog *plan.Catalog, ev ProviderEvent) error {
	switch ev.Type {
	case EventSubscriptionCreated:
		return applyCreated(ctx, store, catalog, ev)
	case EventSubscriptionUpdated:
		return applyChange(ctx, store, ev.TenantID, func(sub *Subscription) {
			sub.PlanID = ev.PlanID
			if ev.Status.Valid() {
				sub.Status = ev.Status
			}
		})
	case EventSubscriptionCanceled:
		return applyChange(ctx, store, ev.TenantID, func(sub *Subscription) {
			sub.Status = StatusCanceled
		})
	case EventPaymentFailed:
		return applyChange(ctx, store, ev.TenantID, func(sub *Subscription) {
			sub.Status = StatusPastDue
		})
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}
}

func applyCreated(ctx context.Context, store Store, catalog *plan.Catalog, ev ProviderEvent) error {
	p, err := catalog.Get(ev.PlanID)
	if err != nil {
		return err
	}

	now := ev.OccurredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	status := ev.Status
	if !status.Valid() {
		status = StatusActive
	}

	sub := &Subscription{
		ID:          uuid.New(),
		TenantID:    ev.TenantID,
		PlanID:      p.ID,
		Status:      status,
		PeriodStart: now,
		PeriodEnd:   p.PeriodEnd(now),
		Usage:       make(map[plan.UsageType]int64),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if status == StatusTrialing && p.TrialDays > 0 {
		trialEnd := p.TrialEndsAt(now)
		sub.TrialEndsAt = &trialEnd
	}

	err = store.Create(ctx, sub)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrSubscriptionAlreadyExists) {
		return err
	}

	// The tenant already has a record (e.g. the lazily created free one):
	// treat the event as a plan change instead.
	return applyChange(ctx, store, ev.TenantID, func(existing *Subscription) {
		existing.PlanID = p.ID
		existing.Status = status
		existing.PeriodStart = now
		existing.PeriodEnd = p.PeriodEnd(now)
		existing.TrialEndsAt = sub.TrialEndsAt
	})
}

func applyChange(ctx context.Context, store Store, tenantID uuid.UUID, mutate func(*Subscription)) error {
	var lastErr error
	for range providerUpdateAttempts {
		sub, err := store.Get(ctx, tenantID)
		if err != nil {
			return err
		}

		mutate(sub)
		if _, err := store.Update(ctx, sub); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}
