package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/soundprediction/tempora/pkg/checkpoint"
	"github.com/soundprediction/tempora/pkg/types"
)

// DefaultInterval is the number of records between checkpoint saves.
const DefaultInterval = 100

// Submitter accepts individual candidates. *tempora.Client satisfies it.
type Submitter interface {
	SubmitEntityCandidate(ctx context.Context, candidate types.EntityCandidate) (*types.TemporalEntity, error)
	SubmitRelationshipCandidate(ctx context.Context, candidate types.RelationshipCandidate) (*types.TemporalRelationship, error)
}

// Options configures an Ingester.
type Options struct {
	// Checkpoints persists progress. Nil disables checkpointing.
	Checkpoints *checkpoint.Manager
	// Interval is the number of records between checkpoint saves.
	Interval int
	// Restart discards an existing checkpoint instead of resuming from it.
	Restart bool
	Logger  *slog.Logger
}

// Result summarises one ingestion run.
type Result struct {
	BatchID  string `json:"batch_id"`
	Total    int    `json:"total"`
	Skipped  int    `json:"skipped"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Resumed  bool   `json:"resumed"`
}

// Ingester feeds candidate batches into a Submitter in input order.
type Ingester struct {
	submitter Submitter
	opts      Options
	logger    *slog.Logger
}

// NewIngester creates an ingester over s.
func NewIngester(s Submitter, opts Options) *Ingester {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{submitter: s, opts: opts, logger: logger}
}

// IngestFile reads, parses and ingests a candidate file. The batch ID is
// derived from the file path so that a rerun on the same file resumes.
func (i *Ingester) IngestFile(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read candidate file: %w", err)
	}
	records, err := ParseRecords(data, DetectFormat(path), i.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return i.Ingest(ctx, checkpoint.BatchIDForFile(path), path, records)
}

// Ingest submits records in order. Records rejected with a validation,
// conflict or not-found error are counted and skipped. A backend outage or
// context cancellation stops the run; progress up to the failing record is
// checkpointed so the next run resumes there.
func (i *Ingester) Ingest(ctx context.Context, batchID, source string, records []Record) (*Result, error) {
	cp, resumed, err := i.loadCheckpoint(ctx, batchID, source)
	if err != nil {
		return nil, err
	}

	result := &Result{BatchID: batchID, Total: len(records), Resumed: resumed}
	start := cp.Offset
	if start > len(records) {
		start = len(records)
	}
	result.Skipped = start
	if resumed {
		i.logger.Info("Resuming ingestion batch", "batch_id", batchID, "offset", start, "progress", cp.GetProgress(len(records)))
	}

	sinceSave := 0
	for idx := start; idx < len(records); idx++ {
		if err := ctx.Err(); err != nil {
			return result, i.abort(ctx, cp, err)
		}

		err := i.submit(ctx, records[idx])
		if err != nil && isFatal(err) {
			return result, i.abort(ctx, cp, fmt.Errorf("record %d: %w", idx, err))
		}
		if err != nil {
			result.Rejected++
			i.logger.Warn("Rejected candidate record", "batch_id", batchID, "index", idx, "error", err)
		} else {
			result.Accepted++
		}
		cp.Advance(err)

		sinceSave++
		if sinceSave >= i.opts.Interval {
			if err := i.save(ctx, cp); err != nil {
				return result, err
			}
			sinceSave = 0
		}
	}

	if i.opts.Checkpoints != nil {
		if err := i.opts.Checkpoints.Complete(ctx, cp); err != nil {
			return result, err
		}
		i.logger.Debug("Checkpoint persisted", "batch_id", batchID, "offset", cp.Offset)
	}
	i.logger.Info("Ingestion batch completed",
		"batch_id", batchID,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"skipped", result.Skipped)
	return result, nil
}

func (i *Ingester) submit(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	switch rec.Kind {
	case KindEntity:
		_, err := i.submitter.SubmitEntityCandidate(ctx, *rec.Entity)
		return err
	default:
		_, err := i.submitter.SubmitRelationshipCandidate(ctx, *rec.Relationship)
		return err
	}
}

func (i *Ingester) loadCheckpoint(ctx context.Context, batchID, source string) (*checkpoint.BatchCheckpoint, bool, error) {
	m := i.opts.Checkpoints
	if m == nil {
		return checkpoint.NewCheckpoint(batchID, source), false, nil
	}
	if i.opts.Restart {
		if err := m.Delete(ctx, batchID); err != nil {
			return nil, false, err
		}
	}
	cp, found, err := m.LoadOrCreate(ctx, batchID, source)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, found, nil
}

func (i *Ingester) save(ctx context.Context, cp *checkpoint.BatchCheckpoint) error {
	if i.opts.Checkpoints == nil {
		return nil
	}
	if err := i.opts.Checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	i.logger.Debug("Checkpoint persisted", "batch_id", cp.BatchID, "offset", cp.Offset)
	return nil
}

// abort records cause on the checkpoint and returns it. The checkpoint is
// written with a background context so a cancelled run still saves progress.
func (i *Ingester) abort(ctx context.Context, cp *checkpoint.BatchCheckpoint, cause error) error {
	i.logger.Error("Ingestion batch interrupted", "batch_id", cp.BatchID, "offset", cp.Offset, "error", cause)
	if i.opts.Checkpoints == nil {
		return cause
	}
	if err := i.opts.Checkpoints.SaveWithError(context.WithoutCancel(ctx), cp, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// isFatal reports whether err should stop the batch rather than reject one record.
func isFatal(err error) bool {
	return errors.Is(err, types.ErrBackendUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
