// Package gate is the request-gating facade: the one call site request
// handlers need. Authorize evaluates an optional feature check, then an
// optional usage charge, and returns a single Decision combining both.
//
// The flow per call is fixed: feature check first (a disabled feature
// short-circuits before any usage accounting runs), then the usage
// admission-and-commit. Terminal outcomes are Committed or one of the
// Denied variants; each call is a complete, independent transaction.
package gate
