// Package redis provides Redis connection helpers for the components that
// need a shared client, primarily the reset sweeper's leader lock.
package redis
