// Package mongo provides MongoDB connection helpers for deployments using
// the Mongo-backed subscription store.
package mongo
