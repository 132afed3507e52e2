package subscription

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/expensio/entitlements/pkg/plan"
)

// Event is one immutable usage event, written alongside the aggregate
// counter for audit and analytics. Never consulted for admission decisions;
// the aggregate counter on the subscription is authoritative.
type Event struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	UsageType plan.UsageType
	Amount    int64
	Bypass    bool // Set when recorded through the administrative override
	Metadata  map[string]string
	CreatedAt time.Time
}

// Recorder appends usage events to the audit trail.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// NoopRecorder discards events, for deployments that do not keep a trail.
type NoopRecorder struct{}

func (NoopRecorder) Record(ctx context.Context, event Event) error { return nil }

// memoryRecorder keeps events in memory, primarily for tests.
type memoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryRecorder returns an in-memory Recorder.
func NewMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{}
}

func (r *memoryRecorder) Record(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a snapshot of all recorded events.
func (r *memoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// postgresRecorder appends events to the usage_records table.
type postgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder returns a Recorder writing to PostgreSQL.
func NewPostgresRecorder(pool *pgxpool.Pool) Recorder {
	if pool == nil {
		panic("subscription: pgxpool.Pool is required")
	}
	return &postgresRecorder{pool: pool}
}

func (r *postgresRecorder) Record(ctx context.Context, event Event) error {
	id := event.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO usage_records (id, tenant_id, usage_type, amount, bypass, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, event.TenantID, string(event.UsageType), event.Amount, event.Bypass,
		event.Metadata, createdAt)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
