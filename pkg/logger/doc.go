// Package logger constructs the slog.Logger instances the rest of the
// module's services accept.
package logger
