package types

import "time"

// Interval is a half-open valid-time interval [ValidFrom, ValidTo).
// A nil ValidTo means the interval is still open.
type Interval struct {
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

// Contains reports whether t falls inside the interval.
func (i Interval) Contains(t time.Time) bool {
	if t.Before(i.ValidFrom) {
		return false
	}
	return i.ValidTo == nil || i.ValidTo.After(t)
}

// Validate checks that ValidFrom is set and strictly precedes ValidTo.
func (i Interval) Validate() error {
	if i.ValidFrom.IsZero() {
		return NewValidationError("valid_from", "must be set")
	}
	if i.ValidTo != nil && !i.ValidFrom.Before(*i.ValidTo) {
		return NewValidationError("valid_to", "must be after valid_from (%s >= %s)",
			i.ValidFrom.Format(time.RFC3339), i.ValidTo.Format(time.RFC3339))
	}
	return nil
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
