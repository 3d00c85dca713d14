// Package scheduler owns registered tasks and the central timing loop.
//
// The loop keeps armed handles in a min-heap keyed by (next due, registration
// order), sleeps until the earliest due time or a wake signal, and hands due
// tasks to the engine:
//   - sequential tasks go to the engine's single lane and re-arm on completion
//   - concurrent fixed-rate and cron tasks re-arm at dispatch, so runs may overlap
//   - fixed-delay tasks always re-arm on completion
//
// Execution itself (lane worker, pool, timeouts, shutdown grace) lives in
// internal/task/engine.
package scheduler
