package utils

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const DefaultSemaphoreLimit = 20

// GetSemaphoreLimit returns the semaphore limit from environment variable or default
func GetSemaphoreLimit() int {
	val := os.Getenv("SEMAPHORE_LIMIT")
	if val == "" {
		return DefaultSemaphoreLimit
	}
	limit, err := strconv.Atoi(val)
	if err != nil || limit <= 0 {
		return DefaultSemaphoreLimit
	}
	return limit
}

// GenerateUUID generates a new UUID7 string
func GenerateUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 timestamps, zone-less ISO timestamps, and bare
// dates. Zone-less values are interpreted as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse time %q: expected RFC3339 or YYYY-MM-DD", s)
}

// UnmarshalYAML parses a YAML list and decodes each item into T.
// Items that fail to decode are skipped and logged; the call fails only when
// the document is not a list or no item decodes.
func UnmarshalYAML[T any](data []byte, logger *slog.Logger) ([]*T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var nodes []yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse YAML structure: %w", err)
	}

	results := make([]*T, 0, len(nodes))
	var errs []error
	for i, node := range nodes {
		var item T
		if err := node.Decode(&item); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmarshal item %d: %w", i, err))
			continue
		}
		results = append(results, &item)
	}

	if len(results) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("failed to unmarshal any items: %w", errs[0])
	}
	if len(errs) > 0 {
		logger.Warn("Skipped undecodable YAML items", "skipped", len(errs), "first_error", errs[0])
	}
	return results, nil
}
