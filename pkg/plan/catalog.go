package plan

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Source defines how plans are loaded into the catalog.
type Source interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// Catalog holds the validated, immutable set of subscription plans.
// Construct once at process start and share by reference.
type Catalog struct {
	plans   map[string]Plan
	ordered []Plan
	freeID  string
}

// NewCatalog loads plans from the source and validates them. Exactly one
// plan must be marked Default; it becomes the free fallback plan used for
// tenants without a subscription record.
func NewCatalog(ctx context.Context, src Source) (*Catalog, error) {
	if src == nil {
		panic("plan: Source is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	if err := validatePlans(plans); err != nil {
		return nil, err
	}

	ordered := make([]Plan, 0, len(plans))
	freeID := ""
	for id, p := range plans {
		ordered = append(ordered, p)
		if p.Default {
			freeID = id
		}
	}
	if freeID == "" {
		return nil, errors.Join(ErrInvalidPlanConfiguration, ErrNoDefaultPlan)
	}

	slices.SortFunc(ordered, func(a, b Plan) int {
		if a.TierRank != b.TierRank {
			return a.TierRank - b.TierRank
		}
		return cmpString(a.ID, b.ID)
	})

	return &Catalog{plans: plans, ordered: ordered, freeID: freeID}, nil
}

// Get returns the plan with the given ID.
func (c *Catalog) Get(planID string) (Plan, error) {
	p, ok := c.plans[planID]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

// List returns all plans ordered by tier rank.
func (c *Catalog) List() []Plan {
	return slices.Clone(c.ordered)
}

// Free returns the default free plan used as the fallback for tenants
// without a subscription record.
func (c *Catalog) Free() Plan {
	return c.plans[c.freeID]
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// validatePlans catches configuration mistakes at startup rather than
// letting them surface as runtime admission errors.
func validatePlans(plans map[string]Plan) error {
	if len(plans) == 0 {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("no plans configured"))
	}

	defaults := 0
	for planID, p := range plans {
		if p.ID != planID {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", planID, p.ID))
		}

		if p.TrialDays < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative trial days: %d", planID, p.TrialDays))
		}

		switch p.Interval {
		case BillingIntervalNone, BillingIntervalMonthly, BillingIntervalAnnual:
		default:
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has unknown billing interval %q", planID, p.Interval))
		}

		for ut, limit := range p.Limits {
			if limit < 0 && limit != Unlimited {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has negative limit %d for %s", planID, limit, ut))
			}
		}

		if p.Default {
			defaults++
		}
	}

	if defaults > 1 {
		return errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("%d plans marked as default, want exactly one", defaults))
	}

	return nil
}
