// Package query answers time-travel questions over the version and
// relationship logs: snapshots at an instant, diffs between two instants,
// shortest temporal paths, concept traces and per-entity timelines.
//
// Readers see only committed records. A snapshot at t never reflects a write
// whose valid time starts after t.
package query
