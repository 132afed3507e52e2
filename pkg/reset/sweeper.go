package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/plan"
	"github.com/expensio/entitlements/pkg/subscription"
)

// Config holds the sweeper's tunables, loadable from the environment.
type Config struct {
	Interval  time.Duration `env:"RESET_SWEEP_INTERVAL" envDefault:"1h"`  // Interval between sweep runs.
	BatchSize int           `env:"RESET_SWEEP_BATCH_SIZE" envDefault:"100"` // Expired subscriptions fetched per page.
	LockTTL   time.Duration `env:"RESET_SWEEP_LOCK_TTL" envDefault:"5m"`  // Leader lock lifetime.
}

// Locker serializes sweep runs across process instances. TryLock returns
// false when another instance holds the lock.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

// TenantError is one tenant's failed reset within an otherwise successful sweep.
type TenantError struct {
	TenantID uuid.UUID
	Err      error
}

func (e TenantError) Error() string {
	return fmt.Sprintf("reset tenant %s: %v", e.TenantID, e.Err)
}

func (e TenantError) Unwrap() error { return e.Err }

// Report summarizes one sweep run. Failures never abort the sweep; each
// tenant's reset is an independent unit of work.
type Report struct {
	Reset    int // Counters zeroed and period advanced
	Skipped  int // Already advanced by a concurrent run (no-op)
	Failures []TenantError
}

// Sweeper periodically zeroes usage counters for subscriptions whose
// billing period has rolled over.
type Sweeper struct {
	store   subscription.Store
	catalog *plan.Catalog
	locker  Locker
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLocker sets a cross-instance lock so only one sweeper runs at a time.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper creates a reset sweeper over the given store and catalog.
func NewSweeper(store subscription.Store, catalog *plan.Catalog, cfg Config, opts ...Option) *Sweeper {
	if store == nil {
		panic("reset: subscription.Store is required")
	}
	if catalog == nil {
		panic("reset: plan.Catalog is required")
	}

	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}

	s := &Sweeper{
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs sweeps on the configured interval until the context is
// canceled. A sweep also runs immediately on start.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.InfoContext(ctx, "reset sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Sweeper) runLogged(ctx context.Context) {
	report, err := s.Run(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "reset sweep failed",
			slog.String("error", err.Error()))
		return
	}
	if report.Reset > 0 || len(report.Failures) > 0 {
		s.log.InfoContext(ctx, "reset sweep finished",
			slog.Int("reset", report.Reset),
			slog.Int("skipped", report.Skipped),
			slog.Int("failures", len(report.Failures)))
	}
}

// Run executes one sweep: every subscription whose period end has passed
// gets its counters zeroed and its period advanced. Running twice in the
// same period is safe; the store's no-op contract absorbs the second run.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, s.cfg.LockTTL)
		if err != nil {
			return Report{}, err
		}
		if !ok {
			s.log.DebugContext(ctx, "reset sweep skipped, another instance holds the lock")
			return Report{}, nil
		}
		defer release()
	}

	var report Report
	failed := make(map[uuid.UUID]struct{})
	for {
		// Failed rows stay expired and keep their place at the front of the
		// period-end order, so widen each page by the failure count to reach
		// the rows listed behind them.
		expired, err := s.store.ListExpired(ctx, s.now(), s.cfg.BatchSize+len(failed))
		if err != nil {
			return report, errors.Join(subscription.ErrStoreUnavailable, err)
		}

		progressed := false
		for _, sub := range expired {
			if _, seen := failed[sub.ID]; seen {
				continue
			}
			progressed = true

			reset, err := s.resetOne(ctx, sub)
			switch {
			case err != nil:
				failed[sub.ID] = struct{}{}
				report.Failures = append(report.Failures, TenantError{TenantID: sub.TenantID, Err: err})
			case reset:
				report.Reset++
			default:
				report.Skipped++
			}
		}

		// A page with no unseen rows means everything still expired has
		// already failed this run; stop rather than re-listing it forever.
		if !progressed {
			return report, nil
		}
	}
}

// resetOne advances one subscription to its next billing period. Reports
// whether the period moved (false means the record was already advanced,
// e.g. by a concurrent run between listing and resetting).
func (s *Sweeper) resetOne(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	p, err := s.catalog.Get(sub.PlanID)
	if err != nil {
		// Unknown plan reference: reset on the free plan's cadence rather
		// than leaving the tenant's counters frozen.
		p = s.catalog.Free()
	}

	now := s.now()
	nextStart := sub.PeriodEnd
	if now.After(nextStart) {
		nextStart = now
	}

	rolled, err := s.store.ResetUsageForPeriod(ctx, sub.ID, nextStart, p.PeriodEnd(nextStart))
	if err != nil {
		return false, err
	}
	return rolled.PeriodStart.After(sub.PeriodStart), nil
}
