// Package dispatch is herald's notification dispatch engine.
//
// One DispatchRequest flows through a fixed pipeline: rewrite rules,
// recipient preference filtering (categories, minimum severity, quiet
// hours), cadence split (immediate vs batched/digest), deferred
// persistence for future-scheduled requests, channel grouping and
// concurrent fan-out through the delivery failover controller. The engine
// produces exactly one DispatchResult per request and records every
// (recipient, channel) outcome immutably.
package dispatch
