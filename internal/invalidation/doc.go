// Package invalidation carries the notifications that keep per-session and
// shared row caches coherent.
//
// A committing session produces an Invalidations batch (modified rows,
// deleted rows, changed selections). The Propagator hands the batch to every
// other registered Recipient synchronously, so when the writer's save
// returns no local cache will serve the old values, and forwards it to a
// Publisher for delivery to other nodes.
//
// Recipients do their own locking. Applying a batch twice has the same
// effect as applying it once, since cluster delivery is at-least-once.
package invalidation
