// Package types defines the temporal model shared by every tempora component.
//
// This package contains:
//   - TemporalEntity: one immutable version of a logical entity
//   - TemporalRelationship: a typed, time-bounded edge between two version ids
//   - Interval: the half-open valid-time interval [valid_from, valid_to)
//   - AttributeValue: a tagged union of string, number, bool, and list values
//   - The error taxonomy (ValidationError, ConflictError, NotFoundError, BackendUnavailableError)
//
// # Versions
//
// Versions on one (entity_id, branch) chain never overlap. The head of a chain is the
// version whose valid_to is nil; IsCurrent is derived from that and never stored on its own.
//
// # Confidence decay
//
// Relationship confidence decays exponentially from its anchor time:
//
//	current := types.DecayedConfidence(initial, rate, now.Sub(anchor))
//
// The result is clamped to [0.01, 1]. Decay is a read-time computation.
//
// # Errors
//
// Every error type implements Is, so wrapped errors can be matched with the sentinels:
//
//	if errors.Is(err, types.ErrConflict) {
//	    // retry
//	}
package types
