package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidBatchID is returned for batch IDs that cannot name a file inside
// the checkpoint directory.
var ErrInvalidBatchID = errors.New("invalid batch ID")

const (
	filePrefix = "checkpoint_"
	fileExt    = ".json"
)

// Stage is the lifecycle stage of an ingestion batch
type Stage string

const (
	StageInitial   Stage = "initial"
	StageIngesting Stage = "ingesting"
	StageCompleted Stage = "completed"
)

// BatchCheckpoint records how far an ingestion batch has progressed. Offset is
// the number of input records already handled; a resumed run skips them.
type BatchCheckpoint struct {
	BatchID string `json:"batch_id"`
	Source  string `json:"source"`
	Stage   Stage  `json:"stage"`

	Offset   int `json:"offset"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`

	CreatedAt      time.Time `json:"created_at"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorStack string    `json:"last_error_stack,omitempty"`

	// Rejections keeps the most recent per-record failures, keyed by record index.
	Rejections map[int]string `json:"rejections,omitempty"`
}

// Manager stores one JSON file per batch under a directory.
type Manager struct {
	dir string
}

// NewManager creates the checkpoint directory if needed. An empty dir means
// os.TempDir()/tempora-checkpoints.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tempora-checkpoints")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the checkpoint file of batchID. Empty IDs and IDs containing a
// path separator, "..", or a NUL byte are rejected.
func (m *Manager) Path(batchID string) (string, error) {
	if batchID == "" || strings.Contains(batchID, "..") || strings.ContainsAny(batchID, "/\\\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidBatchID, batchID)
	}
	path := filepath.Join(m.dir, filePrefix+batchID+fileExt)
	if filepath.Dir(path) != filepath.Clean(m.dir) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBatchID, batchID)
	}
	return path, nil
}

// Save stamps LastUpdatedAt and replaces the batch's file atomically.
func (m *Manager) Save(ctx context.Context, cp *BatchCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.Path(cp.BatchID)
	if err != nil {
		return err
	}

	cp.LastUpdatedAt = time.Now()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, filePrefix+cp.BatchID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

// Load returns the checkpoint of batchID, or nil when none exists.
func (m *Manager) Load(ctx context.Context, batchID string) (*BatchCheckpoint, error) {
	path, err := m.Path(batchID)
	if err != nil {
		return nil, err
	}
	cp, err := readCheckpoint(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return cp, err
}

// Delete removes the checkpoint of batchID. Deleting a missing checkpoint is not an error.
func (m *Manager) Delete(ctx context.Context, batchID string) error {
	path, err := m.Path(batchID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// List returns every readable checkpoint, most recently updated first.
// Files that fail to decode are skipped.
func (m *Manager) List(ctx context.Context) ([]*BatchCheckpoint, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, filePrefix+"*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	checkpoints := make([]*BatchCheckpoint, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp, err := readCheckpoint(path)
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		a, b := checkpoints[i], checkpoints[j]
		if !a.LastUpdatedAt.Equal(b.LastUpdatedAt) {
			return a.LastUpdatedAt.After(b.LastUpdatedAt)
		}
		return a.BatchID < b.BatchID
	})
	return checkpoints, nil
}

// CleanOld deletes checkpoints not updated within maxAge and returns how many
// were removed.
func (m *Manager) CleanOld(ctx context.Context, maxAge time.Duration) (int, error) {
	checkpoints, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, cp := range checkpoints {
		if !cp.LastUpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.Delete(ctx, cp.BatchID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func readCheckpoint(path string) (*BatchCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp BatchCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return &cp, nil
}
