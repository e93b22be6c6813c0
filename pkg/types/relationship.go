package types

import (
	"math"
	"strings"
	"time"
)

// RelationshipType is the typed label of a temporal relationship.
type RelationshipType string

const (
	EvolvedInto RelationshipType = "EVOLVED_INTO"
	ReplacedBy  RelationshipType = "REPLACED_BY"
	Inspired    RelationshipType = "INSPIRED"
	MergedWith  RelationshipType = "MERGED_WITH"
)

// AllRelationshipTypes lists every supported relationship type.
var AllRelationshipTypes = []RelationshipType{EvolvedInto, ReplacedBy, Inspired, MergedWith}

// Valid reports whether t is a supported relationship type.
func (t RelationshipType) Valid() bool {
	switch t {
	case EvolvedInto, ReplacedBy, Inspired, MergedWith:
		return true
	}
	return false
}

// ParseRelationshipType normalizes s and validates it.
func ParseRelationshipType(s string) (RelationshipType, error) {
	t := RelationshipType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", NewValidationError("relationship_type", "unsupported type %q", s)
	}
	return t, nil
}

// VerificationStatus tracks review of a relationship.
type VerificationStatus string

const (
	Unverified VerificationStatus = "unverified"
	Verified   VerificationStatus = "verified"
	Disputed   VerificationStatus = "disputed"
)

// Valid reports whether s is a known status.
func (s VerificationStatus) Valid() bool {
	switch s {
	case Unverified, Verified, Disputed:
		return true
	}
	return false
}

// EvolutionDetails are carried by EVOLVED_INTO relationships.
type EvolutionDetails struct {
	EvolutionType      string `json:"evolution_type,omitempty" yaml:"evolution_type"`
	HasBreakingChanges bool   `json:"has_breaking_changes" yaml:"has_breaking_changes"`
}

// ReplacementDetails are carried by REPLACED_BY relationships.
type ReplacementDetails struct {
	ReplacementReason  string `json:"replacement_reason,omitempty" yaml:"replacement_reason"`
	CompatibilityLevel string `json:"compatibility_level,omitempty" yaml:"compatibility_level"`
}

// InfluenceDetails are carried by INSPIRED relationships.
type InfluenceDetails struct {
	InfluenceStrength float64 `json:"influence_strength" yaml:"influence_strength"`
	Bidirectional     bool    `json:"bidirectional" yaml:"bidirectional"`
}

// MergeDetails are carried by MERGED_WITH relationships.
type MergeDetails struct {
	ContributingEntities []string           `json:"contributing_entities,omitempty" yaml:"contributing_entities"`
	ContributionWeights  map[string]float64 `json:"contribution_weights,omitempty" yaml:"contribution_weights"`
}

// TemporalRelationship is a typed, time-bounded edge between two version ids.
type TemporalRelationship struct {
	RelationshipID     string             `json:"relationship_id" yaml:"relationship_id"`
	SourceID           string             `json:"source_id" yaml:"source_id"`
	TargetID           string             `json:"target_id" yaml:"target_id"`
	RelationshipType   RelationshipType   `json:"relationship_type" yaml:"relationship_type"`
	ValidFrom          time.Time          `json:"valid_from" yaml:"valid_from"`
	ValidTo            *time.Time         `json:"valid_to,omitempty" yaml:"valid_to"`
	InitialConfidence  float64            `json:"initial_confidence" yaml:"initial_confidence"`
	DecayRate          *float64           `json:"decay_rate,omitempty" yaml:"decay_rate"`
	ConfidenceAnchor   *time.Time         `json:"confidence_anchor,omitempty" yaml:"-"`
	CreationSource     string             `json:"creation_source,omitempty" yaml:"creation_source"`
	VerificationStatus VerificationStatus `json:"verification_status" yaml:"verification_status"`
	CreatedAt          time.Time          `json:"created_at" yaml:"-"`

	Evolution   *EvolutionDetails   `json:"evolution,omitempty" yaml:"evolution"`
	Replacement *ReplacementDetails `json:"replacement,omitempty" yaml:"replacement"`
	Influence   *InfluenceDetails   `json:"influence,omitempty" yaml:"influence"`
	Merge       *MergeDetails       `json:"merge,omitempty" yaml:"merge"`
}

// NewEvolutionRelationship builds an EVOLVED_INTO relationship.
func NewEvolutionRelationship(sourceID, targetID string, details EvolutionDetails) *TemporalRelationship {
	return &TemporalRelationship{SourceID: sourceID, TargetID: targetID, RelationshipType: EvolvedInto, Evolution: &details}
}

// NewReplacementRelationship builds a REPLACED_BY relationship.
func NewReplacementRelationship(sourceID, targetID string, details ReplacementDetails) *TemporalRelationship {
	return &TemporalRelationship{SourceID: sourceID, TargetID: targetID, RelationshipType: ReplacedBy, Replacement: &details}
}

// NewInfluenceRelationship builds an INSPIRED relationship.
func NewInfluenceRelationship(sourceID, targetID string, details InfluenceDetails) *TemporalRelationship {
	return &TemporalRelationship{SourceID: sourceID, TargetID: targetID, RelationshipType: Inspired, Influence: &details}
}

// NewMergeRelationship builds a MERGED_WITH relationship.
func NewMergeRelationship(sourceID, targetID string, details MergeDetails) *TemporalRelationship {
	return &TemporalRelationship{SourceID: sourceID, TargetID: targetID, RelationshipType: MergedWith, Merge: &details}
}

// Interval returns the relationship's valid-time interval.
func (r *TemporalRelationship) Interval() Interval {
	return Interval{ValidFrom: r.ValidFrom, ValidTo: r.ValidTo}
}

// IsActive reports whether the relationship has not been closed as of now.
func (r *TemporalRelationship) IsActive(now time.Time) bool {
	return r.ValidTo == nil || r.ValidTo.After(now)
}

// ValidAt reports whether the relationship's interval contains t.
func (r *TemporalRelationship) ValidAt(t time.Time) bool {
	return r.Interval().Contains(t)
}

// CurrentConfidence is the decayed confidence as of now. It is derived, never stored.
func (r *TemporalRelationship) CurrentConfidence(now time.Time) float64 {
	rate := 0.0
	if r.DecayRate != nil {
		rate = *r.DecayRate
	}
	anchor := r.ValidFrom
	if r.ConfidenceAnchor != nil {
		anchor = *r.ConfidenceAnchor
	}
	return DecayedConfidence(r.InitialConfidence, rate, now.Sub(anchor))
}

// Validate checks structural fields, the confidence range, and subtype consistency.
func (r *TemporalRelationship) Validate() error {
	if strings.ContainsAny(r.RelationshipID, "/\x00") {
		return NewValidationError("relationship_id", "contains reserved characters")
	}
	if strings.TrimSpace(r.SourceID) == "" {
		return NewValidationError("source_id", "cannot be empty")
	}
	if strings.TrimSpace(r.TargetID) == "" {
		return NewValidationError("target_id", "cannot be empty")
	}
	if r.SourceID == r.TargetID {
		return NewValidationError("target_id", "relationship cannot point to its own source")
	}
	if !r.RelationshipType.Valid() {
		return NewValidationError("relationship_type", "unsupported type %q", r.RelationshipType)
	}
	if err := ValidateConfidence("initial_confidence", r.InitialConfidence); err != nil {
		return err
	}
	if r.DecayRate != nil && (*r.DecayRate < 0 || math.IsNaN(*r.DecayRate) || math.IsInf(*r.DecayRate, 0)) {
		return NewValidationError("decay_rate", "must be a non-negative finite number")
	}
	if r.VerificationStatus != "" && !r.VerificationStatus.Valid() {
		return NewValidationError("verification_status", "unknown status %q", r.VerificationStatus)
	}
	if err := r.validateDetails(); err != nil {
		return err
	}
	return r.Interval().Validate()
}

func (r *TemporalRelationship) validateDetails() error {
	mismatch := func(field string) error {
		return NewValidationError(field, "not allowed on %s relationships", r.RelationshipType)
	}
	if r.Evolution != nil && r.RelationshipType != EvolvedInto {
		return mismatch("evolution")
	}
	if r.Replacement != nil && r.RelationshipType != ReplacedBy {
		return mismatch("replacement")
	}
	if r.Influence != nil {
		if r.RelationshipType != Inspired {
			return mismatch("influence")
		}
		if err := ValidateConfidence("influence.influence_strength", r.Influence.InfluenceStrength); err != nil {
			return err
		}
	}
	if r.Merge != nil {
		if r.RelationshipType != MergedWith {
			return mismatch("merge")
		}
		for id, w := range r.Merge.ContributionWeights {
			if w < 0 || math.IsNaN(w) {
				return NewValidationError("merge.contribution_weights", "weight for %s must be non-negative", id)
			}
		}
	}
	return nil
}

// ValidateConfidence checks that v lies in [0,1].
func ValidateConfidence(field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return NewValidationError(field, "must be within [0,1], got %v", v)
	}
	return nil
}

// Clone returns a deep copy.
func (r *TemporalRelationship) Clone() *TemporalRelationship {
	if r == nil {
		return nil
	}
	c := *r
	if r.ValidTo != nil {
		c.ValidTo = TimePtr(*r.ValidTo)
	}
	if r.DecayRate != nil {
		rate := *r.DecayRate
		c.DecayRate = &rate
	}
	if r.ConfidenceAnchor != nil {
		c.ConfidenceAnchor = TimePtr(*r.ConfidenceAnchor)
	}
	if r.Evolution != nil {
		e := *r.Evolution
		c.Evolution = &e
	}
	if r.Replacement != nil {
		rp := *r.Replacement
		c.Replacement = &rp
	}
	if r.Influence != nil {
		in := *r.Influence
		c.Influence = &in
	}
	if r.Merge != nil {
		m := MergeDetails{ContributingEntities: append([]string(nil), r.Merge.ContributingEntities...)}
		if r.Merge.ContributionWeights != nil {
			m.ContributionWeights = make(map[string]float64, len(r.Merge.ContributionWeights))
			for k, v := range r.Merge.ContributionWeights {
				m.ContributionWeights[k] = v
			}
		}
		c.Merge = &m
	}
	return &c
}
