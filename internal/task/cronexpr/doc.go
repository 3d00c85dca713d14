// Package cronexpr parses six-field cron expressions (with seconds) bound to a
// time zone and computes the next matching instant.
//
// Field order: second minute hour day-of-month month day-of-week.
// Each field accepts "*", "?" (day fields only), integers, lists "a,b",
// ranges "a-b", and steps "a/b", "*/b", "a-b/c". Month and weekday names
// (JAN..DEC, SUN..SAT) are accepted case-insensitively.
//
// Evaluation walks wall-clock time in the expression's zone:
//   - a wall-clock time that falls into a spring-forward gap resolves to the
//     first valid instant after the gap
//   - a wall-clock time that occurs twice (fall-back) matches only its first
//     occurrence
package cronexpr
