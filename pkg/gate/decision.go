package gate

import (
	"github.com/expensio/entitlements/pkg/plan"
	"github.com/expensio/entitlements/pkg/usage"
)

// Outcome is the terminal state of an authorization call. Every call ends
// in exactly one of these; no intermediate state is observable.
type Outcome string

const (
	OutcomeCommitted            Outcome = "committed"
	OutcomeDeniedFeature        Outcome = "denied_feature"
	OutcomeDeniedLimit          Outcome = "denied_limit"
	OutcomeDeniedNoSubscription Outcome = "denied_no_subscription"
)

// UsageRequest names the usage type to charge and the amount to consume.
type UsageRequest struct {
	Type   plan.UsageType `json:"type"`
	Amount int64          `json:"amount"`
}

// Request describes what an inbound request needs authorized: a feature, a
// usage charge, or both. The feature check runs first and short-circuits,
// so no usage is consumed on a request that was going to be rejected.
type Request struct {
	Feature *plan.Feature `json:"feature,omitempty"`
	Usage   *UsageRequest `json:"usage,omitempty"`
}

// Decision is the combined outcome handed back to request handlers, with
// enough structure to render an actionable user-facing message.
type Decision struct {
	Outcome Outcome `json:"outcome"`

	// Feature that caused a denial, set for OutcomeDeniedFeature.
	DeniedFeature plan.Feature `json:"denied_feature,omitempty"`

	// Usage numbers, set whenever a usage check ran (committed or denied).
	Usage *usage.CheckResult `json:"usage,omitempty"`
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeCommitted
}
