package types

import (
	"math"
	"time"
)

const (
	// MinConfidence is the floor applied to decayed confidence.
	MinConfidence = 0.01
	// MaxConfidence is the ceiling applied to decayed confidence.
	MaxConfidence = 1.0

	hoursPerYear = 365.25 * 24
)

// DecayedConfidence computes initial * e^(-rate * years), clamped to [0.01, 1].
// Negative elapsed time is treated as zero.
func DecayedConfidence(initial, annualRate float64, elapsed time.Duration) float64 {
	years := elapsed.Hours() / hoursPerYear
	if years < 0 {
		years = 0
	}
	value := initial * math.Exp(-annualRate*years)
	return ClampConfidence(value)
}

// ClampConfidence bounds v to [MinConfidence, MaxConfidence].
func ClampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < MinConfidence {
		return MinConfidence
	}
	if v > MaxConfidence {
		return MaxConfidence
	}
	return v
}
