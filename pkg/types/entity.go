package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultBranch is the lineage every entity starts on.
const DefaultBranch = "main"

// VersionState is the lifecycle state of one entity version.
type VersionState string

const (
	// StateCurrent is the open head of a branch.
	StateCurrent VersionState = "current"
	// StateSuperseded is closed with a successor on the same branch.
	StateSuperseded VersionState = "superseded"
	// StateArchived is closed with no successor; the branch has ended.
	StateArchived VersionState = "archived"
)

// TemporalEntity is one immutable version of a logical entity.
type TemporalEntity struct {
	EntityID             string     `json:"entity_id" yaml:"entity_id"`
	VersionID            string     `json:"version_id" yaml:"version_id"`
	VersionNumber        float64    `json:"version_number" yaml:"version_number"`
	Name                 string     `json:"name" yaml:"name"`
	EntityType           string     `json:"entity_type" yaml:"entity_type"`
	ValidFrom            time.Time  `json:"valid_from" yaml:"valid_from"`
	ValidTo              *time.Time `json:"valid_to,omitempty" yaml:"valid_to"`
	PredecessorVersionID string     `json:"predecessor_version_id,omitempty" yaml:"predecessor_version_id"`
	SuccessorVersionIDs  []string   `json:"successor_version_ids,omitempty" yaml:"-"`
	BranchName           string     `json:"branch_name" yaml:"branch_name"`
	IsCurrent            bool       `json:"is_current" yaml:"-"`
	CreationSource       string     `json:"creation_source,omitempty" yaml:"creation_source"`
	CreationConfidence   float64    `json:"creation_confidence" yaml:"creation_confidence"`
	Attributes           Attributes `json:"attributes,omitempty" yaml:"attributes"`

	// RecordedAt is transaction time: when the store accepted the version.
	RecordedAt time.Time `json:"recorded_at" yaml:"-"`
}

// Interval returns the version's valid-time interval.
func (e *TemporalEntity) Interval() Interval {
	return Interval{ValidFrom: e.ValidFrom, ValidTo: e.ValidTo}
}

// ValidAt reports whether the version is valid at t.
func (e *TemporalEntity) ValidAt(t time.Time) bool {
	return e.Interval().Contains(t)
}

// Branch returns the branch name, defaulting to main.
func (e *TemporalEntity) Branch() string {
	if e.BranchName == "" {
		return DefaultBranch
	}
	return e.BranchName
}

// Key returns the (entity_id, branch) serialization key.
func (e *TemporalEntity) Key() string {
	return ChainKey(e.EntityID, e.Branch())
}

// ChainKey joins an entity id and branch into the key writers serialize on.
func ChainKey(entityID, branch string) string {
	if branch == "" {
		branch = DefaultBranch
	}
	return entityID + "@" + branch
}

// Validate checks the fields a caller must supply before a version is stored.
func (e *TemporalEntity) Validate() error {
	if strings.TrimSpace(e.EntityID) == "" {
		return NewValidationError("entity_id", "cannot be empty")
	}
	if strings.ContainsAny(e.EntityID, "/\x00") {
		return NewValidationError("entity_id", "contains reserved characters")
	}
	if strings.ContainsAny(e.VersionID, "/\x00") {
		return NewValidationError("version_id", "contains reserved characters")
	}
	if strings.TrimSpace(e.Name) == "" {
		return NewValidationError("name", "cannot be empty")
	}
	if strings.TrimSpace(e.EntityType) == "" {
		return NewValidationError("entity_type", "cannot be empty")
	}
	if strings.ContainsAny(e.Branch(), "/@\x00") {
		return NewValidationError("branch_name", "contains reserved characters")
	}
	if e.CreationConfidence < 0 || e.CreationConfidence > 1 || math.IsNaN(e.CreationConfidence) {
		return NewValidationError("creation_confidence", "must be within [0,1], got %v", e.CreationConfidence)
	}
	if e.VersionNumber < 0 {
		return NewValidationError("version_number", "must not be negative")
	}
	return e.Interval().Validate()
}

// Clone returns a deep copy so callers never share backend state.
func (e *TemporalEntity) Clone() *TemporalEntity {
	if e == nil {
		return nil
	}
	c := *e
	if e.ValidTo != nil {
		c.ValidTo = TimePtr(*e.ValidTo)
	}
	if e.SuccessorVersionIDs != nil {
		c.SuccessorVersionIDs = append([]string(nil), e.SuccessorVersionIDs...)
	}
	c.Attributes = e.Attributes.Clone()
	return &c
}

// DefaultVersionID builds the identifier used when the caller supplies none.
func DefaultVersionID(entityID, branch string, versionNumber float64) string {
	if branch == "" || branch == DefaultBranch {
		return fmt.Sprintf("%s_v%.1f", entityID, versionNumber)
	}
	return fmt.Sprintf("%s_%s_v%.1f", entityID, branch, versionNumber)
}

// NextVersionNumber is the default number of a successor on the same branch.
func NextVersionNumber(head float64) float64 {
	return math.Floor(head) + 1
}

// BranchVersionNumber is the default number of the first version of a new branch.
func BranchVersionNumber(from float64) float64 {
	return math.Round((from+0.1)*1000) / 1000
}
