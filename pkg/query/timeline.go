package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/version"
)

// EventType classifies an entry on an entity timeline.
type EventType int

const (
	// EventCreated marks the start of a version's validity.
	EventCreated EventType = iota
	// EventSuperseded marks a version closed by a successor on its branch.
	EventSuperseded
	// EventArchived marks a version closed without a successor.
	EventArchived
	// EventRelationshipStarted marks a relationship touching the entity becoming valid.
	EventRelationshipStarted
	// EventRelationshipEnded marks such a relationship being closed.
	EventRelationshipEnded
)

// String returns the wire label of the event type.
func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventSuperseded:
		return "superseded"
	case EventArchived:
		return "archived"
	case EventRelationshipStarted:
		return "relationship_started"
	case EventRelationshipEnded:
		return "relationship_ended"
	default:
		return "unknown"
	}
}

// ParseEventType converts a label back to an EventType.
func ParseEventType(s string) (EventType, error) {
	for e := EventCreated; e <= EventRelationshipEnded; e++ {
		if e.String() == strings.ToLower(s) {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown timeline event %q", s)
}

// MarshalText encodes the event type as its label.
func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText decodes a label.
func (e *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// TimelineEvent is one dated entry on an entity's timeline.
type TimelineEvent struct {
	At           time.Time                   `json:"at"`
	Type         EventType                   `json:"type"`
	Version      *types.TemporalEntity       `json:"version,omitempty"`
	Relationship *types.TemporalRelationship `json:"relationship,omitempty"`
}

// Timeline interleaves the lifecycle of every version of entityID with the
// relationships that touch those versions, in chronological order.
func (e *Engine) Timeline(ctx context.Context, entityID string) ([]TimelineEvent, error) {
	defer observe("timeline", time.Now())

	versions, err := e.driver.ListVersions(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, types.NewNotFoundError("entity", entityID)
	}
	version.Hydrate(versions)
	states := version.States(versions)

	var events []TimelineEvent
	seen := make(map[string]bool)
	for _, v := range versions {
		events = append(events, TimelineEvent{At: v.ValidFrom, Type: EventCreated, Version: v})
		if v.ValidTo != nil {
			kind := EventArchived
			if states[v.VersionID] == types.StateSuperseded {
				kind = EventSuperseded
			}
			events = append(events, TimelineEvent{At: *v.ValidTo, Type: kind, Version: v})
		}

		from, err := e.rels.Outgoing(ctx, v.VersionID)
		if err != nil {
			return nil, err
		}
		to, err := e.rels.Incoming(ctx, v.VersionID)
		if err != nil {
			return nil, err
		}
		for _, r := range append(from, to...) {
			if seen[r.RelationshipID] {
				continue
			}
			seen[r.RelationshipID] = true
			events = append(events, TimelineEvent{At: r.ValidFrom, Type: EventRelationshipStarted, Relationship: r})
			if r.ValidTo != nil {
				events = append(events, TimelineEvent{At: *r.ValidTo, Type: EventRelationshipEnded, Relationship: r})
			}
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].At.Equal(events[j].At) {
			return events[i].At.Before(events[j].At)
		}
		return rank(events[i].Type) < rank(events[j].Type)
	})
	return events, nil
}

// rank orders events sharing an instant: closures before openings, versions
// before relationships.
func rank(e EventType) int {
	switch e {
	case EventSuperseded, EventArchived:
		return 0
	case EventRelationshipEnded:
		return 1
	case EventCreated:
		return 2
	default:
		return 3
	}
}
