// Package subscription holds the subscription record and its persistence
// contract: one record per tenant carrying the plan reference, lifecycle
// status, billing-period boundaries and the aggregate usage counters.
//
// The Store interface exposes only conditional writes. Counters move
// through CompareAndIncrement, which succeeds only when the counter still
// holds the value the caller read; plan and status changes go through a
// version-checked Update. The persistent store is the sole arbiter of
// consistency, so a lost update at this layer would break the
// consumed-within-limit invariant upstream.
//
// Three implementations are provided: an in-memory store (tests, local
// development), a PostgreSQL store on pgx, and a MongoDB store. All
// enforce the one-subscription-per-tenant invariant in Create.
package subscription
