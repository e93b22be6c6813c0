package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
)

// Kind discriminates the payload of a Record.
type Kind string

const (
	KindEntity       Kind = "entity"
	KindRelationship Kind = "relationship"
)

// Format is the encoding of a candidate file.
type Format string

const (
	FormatJSONLines Format = "jsonl"
	FormatYAML      Format = "yaml"
)

// Record is one line of a JSON lines file or one item of a YAML list.
type Record struct {
	Kind         Kind                         `json:"kind" yaml:"kind"`
	Entity       *types.EntityCandidate       `json:"entity,omitempty" yaml:"entity"`
	Relationship *types.RelationshipCandidate `json:"relationship,omitempty" yaml:"relationship"`

	// Err is set when the record could not be decoded. Such records are
	// counted as rejected so that offsets stay aligned with the input.
	Err error `json:"-" yaml:"-"`
}

// Validate checks that the payload matches the kind.
func (r Record) Validate() error {
	if r.Err != nil {
		return r.Err
	}
	switch r.Kind {
	case KindEntity:
		if r.Entity == nil {
			return types.NewValidationError("entity", "entity record has no entity payload")
		}
	case KindRelationship:
		if r.Relationship == nil {
			return types.NewValidationError("relationship", "relationship record has no relationship payload")
		}
	default:
		return types.NewValidationError("kind", "unknown record kind %q", r.Kind)
	}
	return nil
}

// DetectFormat picks the format from the file extension. Anything that is not
// .yaml or .yml is read as JSON lines.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSONLines
	}
}

// ParseRecords decodes a candidate file.
func ParseRecords(data []byte, format Format, logger *slog.Logger) ([]Record, error) {
	switch format {
	case FormatYAML:
		items, err := utils.UnmarshalYAML[Record](data, logger)
		if err != nil {
			return nil, err
		}
		records := make([]Record, len(items))
		for i, item := range items {
			records[i] = *item
		}
		return records, nil
	case FormatJSONLines, "":
		return parseJSONLines(data)
	default:
		return nil, fmt.Errorf("unsupported candidate format %q", format)
	}
}

// parseJSONLines decodes one record per non-blank line. Lines are passed
// through jsonrepair first so that trailing commas, single quotes and
// unquoted keys from hand-edited or generated files still decode.
func parseJSONLines(data []byte) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if repaired, err := jsonrepair.JSONRepair(line); err == nil {
			line = repaired
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			rec = Record{Err: types.NewValidationError("record", "line %d: %v", lineNo, err)}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candidate lines: %w", err)
	}
	return records, nil
}
