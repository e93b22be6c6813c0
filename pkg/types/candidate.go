package types

import "time"

// EntityCandidate is an ingestion request for a new entity version, as
// produced by an upstream extraction pipeline.
type EntityCandidate struct {
	EntityID   string         `json:"entity_id" yaml:"entity_id"`
	Name       string         `json:"name" yaml:"name"`
	EntityType string         `json:"entity_type" yaml:"entity_type"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes"`
	Source     string         `json:"source,omitempty" yaml:"source"`
	Confidence float64        `json:"confidence" yaml:"confidence"`

	// Optional. Zero ValidFrom means the time of submission; empty Branch means main.
	ValidFrom time.Time `json:"valid_from,omitempty" yaml:"valid_from"`
	Branch    string    `json:"branch,omitempty" yaml:"branch"`
}

// ToEntity converts the candidate into an unsaved version.
func (c EntityCandidate) ToEntity() (*TemporalEntity, error) {
	if err := ValidateConfidence("confidence", c.Confidence); err != nil {
		return nil, err
	}
	attrs, err := AttributesFromMap(c.Attributes)
	if err != nil {
		return nil, err
	}
	return &TemporalEntity{
		EntityID:           c.EntityID,
		Name:               c.Name,
		EntityType:         c.EntityType,
		ValidFrom:          c.ValidFrom,
		BranchName:         c.Branch,
		CreationSource:     c.Source,
		CreationConfidence: c.Confidence,
		Attributes:         attrs,
	}, nil
}

// RelationshipCandidate is an ingestion request for a relationship between two
// stored versions.
type RelationshipCandidate struct {
	SourceVersionID string   `json:"source_version_id" yaml:"source_version_id"`
	TargetVersionID string   `json:"target_version_id" yaml:"target_version_id"`
	Type            string   `json:"type" yaml:"type"`
	Confidence      float64  `json:"confidence" yaml:"confidence"`
	Source          string   `json:"source,omitempty" yaml:"source"`
	DecayRate       *float64 `json:"decay_rate,omitempty" yaml:"decay_rate"`

	ValidFrom time.Time `json:"valid_from,omitempty" yaml:"valid_from"`

	Evolution   *EvolutionDetails   `json:"evolution,omitempty" yaml:"evolution"`
	Replacement *ReplacementDetails `json:"replacement,omitempty" yaml:"replacement"`
	Influence   *InfluenceDetails   `json:"influence,omitempty" yaml:"influence"`
	Merge       *MergeDetails       `json:"merge,omitempty" yaml:"merge"`
}

// ToRelationship converts the candidate into an unsaved relationship.
func (c RelationshipCandidate) ToRelationship() (*TemporalRelationship, error) {
	typ, err := ParseRelationshipType(c.Type)
	if err != nil {
		return nil, err
	}
	return &TemporalRelationship{
		SourceID:           c.SourceVersionID,
		TargetID:           c.TargetVersionID,
		RelationshipType:   typ,
		ValidFrom:          c.ValidFrom,
		InitialConfidence:  c.Confidence,
		DecayRate:          c.DecayRate,
		CreationSource:     c.Source,
		VerificationStatus: Unverified,
		Evolution:          c.Evolution,
		Replacement:        c.Replacement,
		Influence:          c.Influence,
		Merge:              c.Merge,
	}, nil
}
