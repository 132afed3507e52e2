package plan

// UsageType is a categorical dimension of consumption tracked and limited
// independently per tenant (receipts processed, invoices sent, etc).
type UsageType string

const (
	UsageReceipts    UsageType = "receipts_per_month"
	UsageInvoices    UsageType = "invoices_per_month"
	UsageAPICalls    UsageType = "api_calls_per_day"
	UsageTeamMembers UsageType = "team_members"
	UsageStorageMB   UsageType = "storage_mb"
	UsageExports     UsageType = "exports_per_month"
)

const (
	// Unlimited marks a usage type with no limit (-1 chosen for SQL compatibility).
	Unlimited int64 = -1
)

// Feature is a plan-specific capability that can be enabled, disabled,
// or offered at a tiered level.
type Feature string

const (
	FeatureOCR               Feature = "ocr"
	FeatureAdvancedReporting Feature = "advanced_reporting"
	FeatureAPI               Feature = "api"
	FeatureTeamManagement    Feature = "team_management"
	FeatureCustomBranding    Feature = "custom_branding"
	FeatureExport            Feature = "export"
	FeaturePrioritySupport   Feature = "priority_support"
)

// Level is the tiered value of a feature. Boolean features use LevelOff and
// LevelBasic; tiered features add LevelEnhanced and LevelPremium.
type Level string

const (
	LevelOff      Level = ""
	LevelBasic    Level = "basic"
	LevelEnhanced Level = "enhanced"
	LevelPremium  Level = "premium"
)

// Enabled reports whether the level represents an available feature.
func (l Level) Enabled() bool {
	return l != LevelOff
}

// rank orders levels for comparisons; unknown levels rank lowest.
func (l Level) rank() int {
	switch l {
	case LevelBasic:
		return 1
	case LevelEnhanced:
		return 2
	case LevelPremium:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether the level meets or exceeds the required level.
func (l Level) AtLeast(required Level) bool {
	return l.rank() >= required.rank()
}

// BillingInterval is the billing frequency of a plan, which also defines
// the usage accumulation window.
type BillingInterval string

const (
	BillingIntervalNone    BillingInterval = "none" // Free plans with no billing
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalAnnual  BillingInterval = "annual"
)
