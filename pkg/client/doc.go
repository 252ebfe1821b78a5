// Package client is the public API of the objectpool storage client.
//
// A Cluster is the root handle: it owns the cluster-session transport,
// the completion engine, and every PoolContext opened from it. Object
// operations are built as atomic batches (WriteBatch, ReadBatch) and
// executed against a pool context either synchronously or asynchronously
// via a Completion. Listings are consumed through forward-only iterators.
//
// Handle lifetimes nest strictly: a PoolContext never outlives its
// Cluster, and batches, completions, and iterators never outlive the
// pool context they are bound to. Shutting the cluster down fails every
// outstanding completion fast instead of letting waiters hang.
package client
