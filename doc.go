// Package tempora provides a temporal knowledge versioning engine for Go.
//
// Tempora stores entities as immutable versions with valid-time intervals,
// links versions with typed relationships whose confidence decays over time,
// and answers point-in-time, diff, path and trend queries over that history.
//
// # Basic Usage
//
// Open a backend and create a client:
//
//	d, err := driver.Open(ctx, driver.Options{Provider: driver.ProviderBadger, URI: "/var/lib/tempora"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := tempora.NewClient(d, nil, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
// # Versions
//
// Every entity_id has one or more branches. Each branch is a chain of versions
// whose intervals [valid_from, valid_to) do not overlap. Creating a version
// closes the branch's current version at the new valid_from:
//
//	v1, _ := client.CreateEntity(ctx, &types.TemporalEntity{
//		EntityID:   "model-1",
//		Name:       "Transformer",
//		EntityType: "model",
//		ValidFrom:  time.Date(2017, 6, 12, 0, 0, 0, 0, time.UTC),
//	})
//
// Writers on the same (entity_id, branch) are serialized. A writer that cannot
// acquire the key within the retry budget receives a ConflictError.
//
// # Relationships
//
// Relationships bind specific versions, not logical entities. Types are
// EVOLVED_INTO, REPLACED_BY, INSPIRED and MERGED_WITH. Confidence decays as
// initial * e^(-rate * years) and is computed at read time.
//
// # Queries
//
//   - Snapshot: every entity version and relationship valid at an instant
//   - CompareSnapshots: entities added, removed and modified between two instants
//   - TemporalPath: fewest-hop path between two versions
//   - TraceConceptEvolution: versions whose name matches a concept
//   - Timeline: lifecycle events of one entity
//
// # Error Handling
//
// Errors are typed in pkg/types and match with errors.Is:
//
//   - types.ErrValidation: malformed or temporally inconsistent input
//   - types.ErrConflict: lost write race or branch-name collision
//   - types.ErrNotFound: unknown entity, version or relationship
//   - types.ErrBackendUnavailable: the persistence layer is unreachable
//
// # Architecture
//
//   - pkg/driver: storage backends (memory, badger, neo4j)
//   - pkg/version: version store
//   - pkg/relationship: relationship store
//   - pkg/query: query engine
//   - pkg/analysis: evolution analyzer
//   - pkg/server: read-only HTTP API
package tempora
