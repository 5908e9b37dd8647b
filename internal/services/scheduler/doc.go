// Package scheduler drives cron-based firing. On every tick it asks the
// schedule registry for due entries, creates a job for each, and lets the
// registry advance last/next-run bookkeeping. Schedules are fired at most
// once per due instant (an in-flight guard spans ticks) and a schedule's
// failure or concurrency-cap skip never changes registry state.
package scheduler
