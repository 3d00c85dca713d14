// Package storage keeps an append-only journal of finished task runs.
//
// Drivers:
//   - "file": JSON Lines file, trimmed to a retention bound
//   - "sqlite": SQLite database (pure Go driver)
//
// The journal is history only; nothing reads it back to restore schedules.
package storage
