// Package relationship manages typed, time-bounded edges between entity versions.
//
// Relationships are never deleted. Closing one sets valid_to, and confidence
// decay is computed at read time from the stored initial confidence, decay
// rate and anchor.
package relationship
