package usage

import "github.com/expensio/entitlements/pkg/plan"

// CheckResult carries the numbers behind an admission decision so callers
// can render actionable messages ("4 of 5 used this month"). Remaining is
// -1 when the limit is unlimited.
type CheckResult struct {
	Allowed   bool  `json:"allowed"`
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// UsageInfo is one entry of a tenant usage snapshot. Percentage is -1 for
// unlimited usage types and capped at 100 otherwise.
type UsageInfo struct {
	Current    int64 `json:"current"`
	Limit      int64 `json:"limit"`
	Percentage int   `json:"percentage"`
}

func remaining(limit, current int64) int64 {
	if limit == plan.Unlimited {
		return -1
	}
	if current >= limit {
		return 0
	}
	return limit - current
}

func percentage(limit, current int64) int {
	if limit == plan.Unlimited {
		return -1
	}
	if limit == 0 {
		return 100
	}
	return min(int((current*100)/limit), 100)
}
