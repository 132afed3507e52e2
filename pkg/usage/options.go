package usage

import (
	"log/slog"
	"time"

	"github.com/expensio/entitlements/pkg/plan"
	"github.com/expensio/entitlements/pkg/subscription"
)

// Option configures the usage Service.
type Option func(*Service)

// WithRecorder sets the audit-trail recorder. Defaults to a no-op.
func WithRecorder(r subscription.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithFeatureGate associates usage types with the features that gate them.
// A RecordUsage call for a gated usage type is denied with
// ErrFeatureDisabled when the feature is off for the tenant's plan.
func WithFeatureGate(gate featureGate, gatedBy map[plan.UsageType]plan.Feature) Option {
	return func(s *Service) {
		s.gate = gate
		s.gatedBy = gatedBy
	}
}

// WithMaxAttempts overrides the conflict-retry cap. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n >= 1 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type recordOptions struct {
	bypass   bool
	metadata map[string]string
}

// RecordOption configures a single RecordUsage call.
type RecordOption func(*recordOptions)

// WithBypassLimits records usage without evaluating the limit. For
// privileged internal callers only; never wire it to end-user paths. Each
// bypassed recording is logged distinctly.
func WithBypassLimits() RecordOption {
	return func(o *recordOptions) { o.bypass = true }
}

// WithMetadata attaches free-form metadata to the audit-trail event.
func WithMetadata(md map[string]string) RecordOption {
	return func(o *recordOptions) { o.metadata = md }
}
