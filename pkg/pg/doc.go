// Package pg provides PostgreSQL connection, migration and healthcheck
// helpers shared by the Postgres-backed store implementations.
package pg
