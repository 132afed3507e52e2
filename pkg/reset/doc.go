// Package reset implements the quota reset sweep: a recurring job that
// zeroes usage counters for every subscription whose billing period has
// rolled over and advances the period boundaries.
//
// The sweep is idempotent (the store treats an already-advanced period as
// a no-op) and failure-isolated: one tenant's failed reset is collected
// into the report without aborting the rest. An optional Redis-backed
// Locker keeps multiple process instances from sweeping concurrently.
package reset
