package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/expensio/entitlements/pkg/plan"
)

const subscriptionColumns = `id, tenant_id, plan_id, status, trial_ends_at,
	period_start, period_end, usage, last_reset_at, version, created_at, updated_at`

// postgresStore implements Store on PostgreSQL via pgx. Conditional writes
// rely on single-row UPDATE predicates, so the database serializes
// concurrent counter increments without explicit locking.
type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by the given connection pool.
// The schema is managed by the migrations under migrations/.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	if pool == nil {
		panic("subscription: pgxpool.Pool is required")
	}
	return &postgresStore{pool: pool}
}

func (s *postgresStore) Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`,
		tenantID)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (s *postgresStore) Create(ctx context.Context, sub *Subscription) error {
	usage, err := marshalUsage(sub.Usage)
	if err != nil {
		return err
	}

	version := sub.Version
	if version == 0 {
		version = 1
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, tenant_id, plan_id, status, trial_ends_at,
			period_start, period_end, usage, last_reset_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (tenant_id) DO NOTHING`,
		sub.ID, sub.TenantID, sub.PlanID, sub.Status, sub.TrialEndsAt,
		sub.PeriodStart, sub.PeriodEnd, usage, sub.LastResetAt, version)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionAlreadyExists
	}
	return nil
}

func (s *postgresStore) Update(ctx context.Context, sub *Subscription) (*Subscription, error) {
	usage, err := marshalUsage(sub.Usage)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE subscriptions
		SET plan_id = $2, status = $3, trial_ends_at = $4,
			period_start = $5, period_end = $6, usage = $7,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $8
		RETURNING `+subscriptionColumns,
		sub.ID, sub.PlanID, sub.Status, sub.TrialEndsAt,
		sub.PeriodStart, sub.PeriodEnd, usage, sub.Version)

	updated, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.missingOrConflict(ctx, sub.ID)
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return updated, nil
}

func (s *postgresStore) CompareAndIncrement(ctx context.Context, subID uuid.UUID, ut plan.UsageType, delta, expectedCurrent int64) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE subscriptions
		SET usage = jsonb_set(usage, ARRAY[$2]::text[],
				to_jsonb(COALESCE((usage->>$2)::bigint, 0) + $3::bigint), true),
			version = version + 1, updated_at = now()
		WHERE id = $1 AND COALESCE((usage->>$2)::bigint, 0) = $4
		RETURNING `+subscriptionColumns,
		subID, string(ut), delta, expectedCurrent)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.missingOrConflict(ctx, subID)
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (s *postgresStore) ResetUsageForPeriod(ctx context.Context, subID uuid.UUID, newStart, newEnd time.Time) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE subscriptions
		SET usage = '{}'::jsonb, period_start = $2, period_end = $3,
			last_reset_at = now(), version = version + 1, updated_at = now()
		WHERE id = $1 AND period_start < $2
		RETURNING `+subscriptionColumns,
		subID, newStart, newEnd)

	sub, err := scanSubscription(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	// Period already advanced by a concurrent reset run: no-op, return the
	// current record so the caller sees the advanced boundaries.
	row = s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, subID)
	sub, err = scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (s *postgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE period_end <= $1 ORDER BY period_end ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return out, nil
}

// missingOrConflict distinguishes a conditional write that matched no rows:
// either the record is gone or another writer moved it first.
func (s *postgresStore) missingOrConflict(ctx context.Context, subID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, subID).Scan(&exists)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if !exists {
		return ErrSubscriptionNotFound
	}
	return ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub      Subscription
		rawUsage []byte
	)
	if err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanID, &sub.Status, &sub.TrialEndsAt,
		&sub.PeriodStart, &sub.PeriodEnd, &rawUsage, &sub.LastResetAt,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}

	usage := make(map[string]int64)
	if len(rawUsage) > 0 {
		if err := json.Unmarshal(rawUsage, &usage); err != nil {
			return nil, err
		}
	}
	sub.Usage = make(map[plan.UsageType]int64, len(usage))
	for ut, n := range usage {
		sub.Usage[plan.UsageType(ut)] = n
	}
	return &sub, nil
}

func marshalUsage(usage map[plan.UsageType]int64) ([]byte, error) {
	out := make(map[string]int64, len(usage))
	for ut, n := range usage {
		out[string(ut)] = n
	}
	return json.Marshal(out)
}
