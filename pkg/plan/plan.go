package plan

import "time"

// Plan describes a subscription tier with its feature set and usage limits.
// Plans are loaded once at startup and never mutated at runtime.
type Plan struct {
	ID          string
	Name        string
	Description string
	TierRank    int // Ordering for List and upgrade/downgrade comparisons
	Interval    BillingInterval
	TrialDays   int                  // Number of trial days (0 disables trial)
	Default     bool                 // Marks the free fallback plan
	Features    map[Feature]Level    // Feature availability; absent means off
	Limits      map[UsageType]int64  // Usage limits; absent means zero (hard deny)
	Metadata    map[string]string    // Free-form, e.g. provider price IDs
}

// LimitFor returns the limit for a usage type. A usage type missing from
// the plan's limit map is a hard deny, so the zero value is returned.
func (p Plan) LimitFor(ut UsageType) int64 {
	if limit, ok := p.Limits[ut]; ok {
		return limit
	}
	return 0
}

// FeatureLevel returns the level for a feature, LevelOff for unknown keys.
func (p Plan) FeatureLevel(f Feature) Level {
	if level, ok := p.Features[f]; ok {
		return level
	}
	return LevelOff
}

// HasFeature reports whether a feature is enabled at any level.
func (p Plan) HasFeature(f Feature) bool {
	return p.FeatureLevel(f).Enabled()
}

// PeriodEnd returns the end of a billing period starting at the given time.
// Free plans without billing still accumulate usage monthly.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	switch p.Interval {
	case BillingIntervalAnnual:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// TrialEndsAt returns the timestamp when a trial period ends for this plan.
// If no trial is available, returns startedAt.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}
