// ABOUTME: Package observe provides table-granularity change notification
// ABOUTME: Used by the store to drive live queries without re-scanning tables

// Package observe turns committed writes into notifications for long-lived
// readers.
//
// # Model
//
// A Registry keeps one version counter per table name. The store calls
// Publish with the tables a transaction touched, after commit. Each
// subscription names the tables its query depends on and receives a wakeup
// on a one-slot channel when any of them moves. Wakeups coalesce: a reader
// that falls behind sees one pending signal, not a backlog.
//
// # Live queries
//
// Watch combines a subscription with a fetch function. It emits the initial
// result, then re-runs fetch only when the version snapshot of its tables
// differs from the one taken before the previous fetch.
//
// # Cancellation
//
// Every subscription is independently cancellable, either through its
// context or Unsubscribe. Once Unsubscribe returns, its channel is closed and
// nothing further is delivered.
package observe
