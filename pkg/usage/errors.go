package usage

import (
	"errors"

	"github.com/expensio/entitlements/pkg/subscription"
)

// Denial reasons callers can act on. The first three are expected
// business-rule outcomes; the last two indicate infrastructure trouble and
// are logged at higher severity.
var (
	ErrLimitExceeded     = errors.New("usage limit exceeded")
	ErrInvalidAmount     = errors.New("usage amount must be positive")
	ErrFeatureDisabled   = errors.New("feature disabled for plan")
	ErrNoSubscription    = errors.New("no resolvable subscription context")
	ErrTransientConflict = errors.New("concurrent usage updates, retries exhausted")

	// ErrStoreUnavailable re-exports the store-level error so callers can
	// match infrastructure failures without importing the store package.
	ErrStoreUnavailable = subscription.ErrStoreUnavailable
)
