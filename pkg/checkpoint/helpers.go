package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
)

// maxRejections bounds how many per-record failures a checkpoint keeps.
const maxRejections = 100

// BatchIDForFile derives a stable batch ID from the input file's absolute path.
func BatchIDForFile(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:8])
}

// NewCheckpoint creates a new checkpoint for a batch at the initial stage
func NewCheckpoint(batchID, source string) *BatchCheckpoint {
	now := time.Now()
	return &BatchCheckpoint{
		BatchID:       batchID,
		Source:        source,
		Stage:         StageInitial,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

// Advance marks one more input record as handled. A nil err counts it as
// accepted; otherwise it is rejected and the failure kept for reporting.
func (c *BatchCheckpoint) Advance(err error) {
	index := c.Offset
	c.Offset++
	c.Stage = StageIngesting
	if err == nil {
		c.Accepted++
		return
	}
	c.Rejected++
	if c.Rejections == nil {
		c.Rejections = make(map[int]string)
	}
	if len(c.Rejections) < maxRejections {
		c.Rejections[index] = err.Error()
	}
}

// Status classifies a checkpoint for reporting.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStalled    Status = "stalled"
	StatusInProgress Status = "in_progress"
)

// Status reports completed, then failed once AttemptCount reaches maxAttempts,
// then stalled when not updated within stalledAfter, else in progress.
func (c *BatchCheckpoint) Status(maxAttempts int, stalledAfter time.Duration, now time.Time) Status {
	switch {
	case c.Stage == StageCompleted:
		return StatusCompleted
	case maxAttempts > 0 && c.AttemptCount >= maxAttempts:
		return StatusFailed
	case c.LastUpdatedAt.Before(now.Add(-stalledAfter)):
		return StatusStalled
	default:
		return StatusInProgress
	}
}

// GetProgress describes progress against total input records. A total of
// zero or less reports the raw offset.
func (c *BatchCheckpoint) GetProgress(total int) string {
	if total <= 0 {
		return fmt.Sprintf("%d records (%s)", c.Offset, c.Stage)
	}
	return fmt.Sprintf("%.0f%% (%s)", float64(c.Offset)/float64(total)*100, c.Stage)
}

// Summary renders the checkpoint for the checkpoints show command.
func (c *BatchCheckpoint) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch: %s\n", c.BatchID)
	fmt.Fprintf(&b, "Source: %s\n", c.Source)
	fmt.Fprintf(&b, "Stage: %s\n", c.Stage)
	fmt.Fprintf(&b, "Records: %d (accepted %d, rejected %d)\n", c.Offset, c.Accepted, c.Rejected)
	fmt.Fprintf(&b, "Created: %s\n", c.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Last Updated: %s\n", c.LastUpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Attempts: %d\n", c.AttemptCount)
	if c.LastError != "" {
		fmt.Fprintf(&b, "Last Error: %s\n", c.LastError)
	}
	return b.String()
}

// SaveWithError counts a failed attempt, records err with the current stack
// and saves.
func (m *Manager) SaveWithError(ctx context.Context, cp *BatchCheckpoint, err error) error {
	cp.AttemptCount++
	cp.LastError = err.Error()
	cp.LastErrorStack = string(debug.Stack())
	return m.Save(ctx, cp)
}

// Complete marks the batch finished and saves it.
func (m *Manager) Complete(ctx context.Context, cp *BatchCheckpoint) error {
	cp.Stage = StageCompleted
	cp.LastError = ""
	cp.LastErrorStack = ""
	return m.Save(ctx, cp)
}

// LoadOrCreate loads an existing checkpoint or creates and saves a new one.
// The boolean reports whether an existing checkpoint was found.
func (m *Manager) LoadOrCreate(ctx context.Context, batchID, source string) (*BatchCheckpoint, bool, error) {
	existing, err := m.Load(ctx, batchID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	cp := NewCheckpoint(batchID, source)
	if err := m.Save(ctx, cp); err != nil {
		return nil, false, err
	}
	return cp, false, nil
}

// FindStalled returns unfinished checkpoints not updated within stalledAfter.
func (m *Manager) FindStalled(ctx context.Context, stalledAfter time.Duration) ([]*BatchCheckpoint, error) {
	checkpoints, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var stalled []*BatchCheckpoint
	for _, cp := range checkpoints {
		if cp.Status(0, stalledAfter, now) == StatusStalled {
			stalled = append(stalled, cp)
		}
	}
	return stalled, nil
}

// Statistics summarises the checkpoints on disk
type Statistics struct {
	Total      int
	Completed  int
	InProgress int
	Failed     int
	Stalled    int
	Records    int
}

// GetStatistics classifies every checkpoint with Status and totals the
// records they have handled.
func (m *Manager) GetStatistics(ctx context.Context, maxAttempts int, stalledAfter time.Duration) (*Statistics, error) {
	checkpoints, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	stats := &Statistics{Total: len(checkpoints)}
	for _, cp := range checkpoints {
		stats.Records += cp.Offset
		switch cp.Status(maxAttempts, stalledAfter, now) {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusStalled:
			stats.Stalled++
		default:
			stats.InProgress++
		}
	}
	return stats, nil
}
