// Package version implements the version store: an append-only log of entity
// versions per (entity_id, branch) chain, with "current" derived as the open
// head of each chain.
//
// Writes to one chain are serialized by an in-process keyed lock. Contention
// is retried with bounded exponential backoff and surfaces as a ConflictError
// once the attempt budget is spent. Backends additionally verify the expected
// head inside their own transaction, so separate processes sharing a backend
// cannot both close the same head.
package version
