// Package logx is the structured logger used across ticklane.
//
// Logger is a small value type over zerolog: typed Field helpers, a "comp"
// tag per component, short file:line callers. A Service owns the sinks
// (console, JSON stdout, append-only file) and can be reconfigured while
// Loggers derived from it are in use. Throttle rate-limits repeated lines per
// key.
package logx
