// Package plan provides the static catalog of subscription plans: named
// bundles of feature flags and usage limits that tenants subscribe to.
//
// Plans are seeded from configuration at startup and never mutated at
// runtime. A usage type missing from a plan's limit map is treated as a
// zero limit (hard deny); the Unlimited sentinel (-1) disables the limit.
//
// Basic usage:
//
//	plans := map[string]plan.Plan{
//	    "free": {
//	        ID:       "free",
//	        Name:     "Free",
//	        Interval: plan.BillingIntervalNone,
//	        Default:  true,
//	        Limits: map[plan.UsageType]int64{
//	            plan.UsageReceipts: 5,
//	        },
//	    },
//	    "pro": {
//	        ID:        "pro",
//	        Name:      "Pro",
//	        TierRank:  1,
//	        Interval:  plan.BillingIntervalMonthly,
//	        TrialDays: 14,
//	        Limits: map[plan.UsageType]int64{
//	            plan.UsageReceipts: plan.Unlimited,
//	        },
//	        Features: map[plan.Feature]plan.Level{
//	            plan.FeatureAdvancedReporting: plan.LevelBasic,
//	        },
//	    },
//	}
//
//	catalog, err := plan.NewCatalog(ctx, plan.NewInMemSource(plans))
package plan
