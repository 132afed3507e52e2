// Package usage is the admission-control core: it decides whether an
// action fits under the tenant's plan limits and maintains the aggregate
// usage counters under concurrent access.
//
// Correctness rests on the store's compare-and-swap contract. RecordUsage
// reads the counter, evaluates current+amount against the limit, then
// increments conditionally on the counter still holding the value it read.
// Two requests racing for the last unit of quota cannot both commit: one
// increments, the other's conditional write fails, re-reads, and observes
// the limit as exceeded. Conflicts are retried a bounded number of times
// before surfacing ErrTransientConflict.
//
// CheckLimit is the mutation-free variant for pre-flight checks ("would
// this upload exceed storage?"); Snapshot feeds dashboards.
package usage
