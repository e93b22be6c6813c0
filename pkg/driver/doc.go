// Package driver provides the persistence backends for tempora.
//
// This package defines the TemporalDriver interface: an append-only log of
// entity versions with an atomic "close prior head + insert successor"
// operation, range queries over valid time, and typed relationship edges
// between version identifiers.
//
// # Supported Backends
//
//   - memory: in-process, for tests and ephemeral use
//   - badger: embedded persistent key-value store (default)
//   - neo4j: property graph with versions as nodes and relationships as typed edges
//
// # Usage
//
//	d, err := driver.Open(ctx, driver.Options{Provider: driver.ProviderBadger, URI: "/var/lib/tempora"})
//
// Wrap a backend with NewCircuitBreakerDriver to fail fast while it is unreachable.
//
// # Thread Safety
//
// All driver implementations are safe for concurrent use from multiple goroutines.
// AppendVersion verifies the expected head inside the backend's own transaction,
// so two writers racing on one chain cannot both succeed.
package driver
