// Package runner orchestrates detection across change records: the
// incremental path for newly ingested records, reconciliation of
// asynchronously arriving LLM verdicts, and resumable backfills after a
// pattern or policy change.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/aidetect/internal/aggregate"
	"github.com/dshills/aidetect/internal/llmdetect"
	"github.com/dshills/aidetect/internal/patterns"
	"github.com/dshills/aidetect/internal/schema"
	"github.com/dshills/aidetect/internal/store"
)

// saveRetries bounds optimistic-write retries when an incremental LLM
// arrival and a backfill race on the same record.
const saveRetries = 3

// Runner wires the registry, policy, store, and LLM batcher together. The
// registry version is carried explicitly so one process can run an online
// runner on version N while a backfill runs N+1.
type Runner struct {
	db      *store.DB
	reg     *patterns.Registry
	cfg     aggregate.Config
	batcher *llmdetect.Batcher
	log     *zap.Logger
	clock   func() time.Time

	mu    sync.Mutex
	queue []llmdetect.BatchItem
}

// New creates a Runner. batcher may be nil, which disables the semantic
// signal entirely; the engine degrades to structural signals only.
func New(db *store.DB, reg *patterns.Registry, cfg aggregate.Config, batcher *llmdetect.Batcher, log *zap.Logger) *Runner {
	return &Runner{
		db:      db,
		reg:     reg,
		cfg:     cfg,
		batcher: batcher,
		log:     log,
		clock:   time.Now,
	}
}

// SetClock overrides the timestamp source. Tests use it to pin DetectedAt.
func (r *Runner) SetClock(clock func() time.Time) { r.clock = clock }

// ProcessIncremental runs detection for one newly ingested (or newly grown)
// change record. Structural extraction is synchronous; a provisional result
// is persisted immediately. If no semantic verdict is stored yet, the record
// is queued for LLM detection — ingestion never waits on the model.
func (r *Runner) ProcessIncremental(ctx context.Context, rec *schema.ChangeRecord) (*schema.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	llm, err := r.db.GetLLMVerdict(rec.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("runner: load llm verdict: %w", err)
	}

	res, err := r.saveAggregated(rec, llm)
	if err != nil {
		return nil, err
	}

	if llm == nil && r.batcher != nil {
		r.mu.Lock()
		r.queue = append(r.queue, llmdetect.BatchItem{
			ChangeID: rec.ID,
			Context:  llmdetect.BuildContext(rec),
		})
		r.mu.Unlock()
	}

	r.log.Info("incremental detection",
		zap.String("change_id", rec.ID),
		zap.Bool("ai_assisted", res.IsAIAssisted),
		zap.Float64("confidence", res.ConfidenceScore),
		zap.String("pattern_version", res.PatternVersion),
		zap.Bool("llm_pending", llm == nil && r.batcher != nil))
	return res, nil
}

// QueuedLLM reports how many records await batch submission.
func (r *Runner) QueuedLLM() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// FlushLLM submits all queued records as one batch and persists the batch's
// identifier and membership, so a process restart resumes polling instead of
// losing track of outstanding work.
func (r *Runner) FlushLLM() error {
	if r.batcher == nil {
		return nil
	}
	r.mu.Lock()
	items := r.queue
	r.queue = nil
	r.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	batchID, err := r.batcher.Submit(items)
	if err != nil {
		return fmt.Errorf("runner: submit llm batch: %w", err)
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ChangeID
	}
	if err := r.db.SaveBatch(batchID, ids); err != nil {
		return fmt.Errorf("runner: persist llm batch: %w", err)
	}
	return nil
}

// Reconcile folds completed LLM verdicts into their detection results: the
// second phase of the two-phase write. Batches unknown to this process (a
// restart happened) are resubmitted for their unresolved records only.
// Partial completion is normal; unresolved records stay pending.
func (r *Runner) Reconcile(ctx context.Context) error {
	if r.batcher == nil {
		return nil
	}
	pending, err := r.db.PendingBatches()
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	for batchID, changeIDs := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		results, done, err := r.batcher.Poll(batchID)
		if errors.Is(err, llmdetect.ErrUnknownBatch) {
			if err := r.resubmit(batchID, changeIDs); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("runner: poll batch %s: %w", batchID, err)
		}

		resolved := make(map[string]bool)
		for _, item := range results {
			resolved[item.ChangeID] = true
			if item.Err != nil {
				// Transient semantic failure: the signal stays absent and is
				// retried on the next backfill. Never a hard error here.
				r.log.Warn("llm verdict unavailable",
					zap.String("change_id", item.ChangeID), zap.Error(item.Err))
				continue
			}
			if err := r.applyVerdict(item.ChangeID, item.Verdict); err != nil {
				return err
			}
		}

		var remaining []string
		for _, id := range changeIDs {
			if !resolved[id] {
				remaining = append(remaining, id)
			}
		}
		if done {
			remaining = nil
		}
		if err := r.db.SaveBatch(batchID, remaining); err != nil {
			return fmt.Errorf("runner: %w", err)
		}
	}
	return nil
}

// resubmit replaces a batch lost to a process restart with a fresh one
// covering only its unresolved records.
func (r *Runner) resubmit(oldBatchID string, changeIDs []string) error {
	var items []llmdetect.BatchItem
	for _, id := range changeIDs {
		rec, err := r.db.GetChangeRecord(id)
		if errors.Is(err, store.ErrNotFound) {
			r.log.Warn("pending batch references missing record", zap.String("change_id", id))
			continue
		}
		if err != nil {
			return fmt.Errorf("runner: %w", err)
		}
		items = append(items, llmdetect.BatchItem{ChangeID: id, Context: llmdetect.BuildContext(rec)})
	}
	if err := r.db.SaveBatch(oldBatchID, nil); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	newID, err := r.batcher.Submit(items)
	if err != nil {
		return fmt.Errorf("runner: resubmit batch: %w", err)
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ChangeID
	}
	if err := r.db.SaveBatch(newID, ids); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	r.log.Info("resubmitted lost batch",
		zap.String("old_batch_id", oldBatchID),
		zap.String("batch_id", newID),
		zap.Int("items", len(items)))
	return nil
}

// applyVerdict stores a semantic verdict and re-aggregates its record.
func (r *Runner) applyVerdict(changeID string, v *schema.LLMVerdict) error {
	if err := r.db.SaveLLMVerdict(changeID, v); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	rec, err := r.db.GetChangeRecord(changeID)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	if _, err := r.saveAggregated(rec, v); err != nil {
		return err
	}
	r.log.Info("llm verdict reconciled",
		zap.String("change_id", changeID),
		zap.Bool("is_assisted", v.IsAssisted),
		zap.Float64("confidence", v.Confidence))
	return nil
}

// saveAggregated aggregates and persists one record's result under
// optimistic versioning, retrying when a concurrent writer wins the race.
func (r *Runner) saveAggregated(rec *schema.ChangeRecord, llm *schema.LLMVerdict) (*schema.DetectionResult, error) {
	for attempt := 0; attempt < saveRetries; attempt++ {
		_, version, err := r.db.GetResult(rec.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("runner: read result: %w", err)
		}

		in := aggregate.BuildInputs(r.reg, rec, llm)
		res := aggregate.Aggregate(r.cfg, rec.ID, r.reg.Version(), in)
		res.DetectedAt = r.clock().UTC()

		err = r.db.CompareAndSaveResult(&res, version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("runner: save result: %w", err)
		}
		return &res, nil
	}
	return nil, fmt.Errorf("runner: save result for %s: gave up after %d version conflicts", rec.ID, saveRetries)
}

// BackfillOptions configures one backfill run.
type BackfillOptions struct {
	// RunID names the run; the checkpoint is keyed by it, so restarting with
	// the same RunID resumes where the previous process stopped.
	RunID string
	// BatchSize bounds records fetched and processed per batch.
	BatchSize int
	// Workers bounds concurrent aggregation within a batch.
	Workers int
	// ForceLLM re-queues every record for semantic detection instead of
	// reusing stored verdicts.
	ForceLLM bool
}

// BackfillStats summarizes a backfill run.
type BackfillStats struct {
	Processed int
	Completed bool
}

// Backfill re-runs detection over all change records in ID order, reusing
// stored LLM verdicts. A cooperative stop (context cancellation) is honored
// between batches; the checkpoint written after each batch makes the run
// restartable without re-processing completed records.
func (r *Runner) Backfill(ctx context.Context, opts BackfillOptions) (BackfillStats, error) {
	if opts.RunID == "" {
		return BackfillStats{}, fmt.Errorf("runner: backfill needs a run id")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	var stats BackfillStats
	last, err := r.db.GetCheckpoint(opts.RunID)
	if err != nil {
		return stats, fmt.Errorf("runner: %w", err)
	}
	if last != "" {
		r.log.Info("resuming backfill",
			zap.String("run_id", opts.RunID),
			zap.String("after", last))
	}

	for {
		if err := ctx.Err(); err != nil {
			r.log.Info("backfill stopped",
				zap.String("run_id", opts.RunID),
				zap.Int("processed", stats.Processed))
			return stats, err
		}

		ids, err := r.db.ListChangeIDs(last, opts.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("runner: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for _, id := range ids {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return r.backfillOne(id, opts.ForceLLM)
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}

		stats.Processed += len(ids)
		last = ids[len(ids)-1]
		if err := r.db.SaveCheckpoint(opts.RunID, last, r.reg.Version()); err != nil {
			return stats, fmt.Errorf("runner: %w", err)
		}
	}

	if err := r.db.ClearCheckpoint(opts.RunID); err != nil {
		return stats, fmt.Errorf("runner: %w", err)
	}
	stats.Completed = true
	r.log.Info("backfill complete",
		zap.String("run_id", opts.RunID),
		zap.Int("processed", stats.Processed),
		zap.String("pattern_version", r.reg.Version()))
	return stats, nil
}

func (r *Runner) backfillOne(changeID string, forceLLM bool) error {
	rec, err := r.db.GetChangeRecord(changeID)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	llm, err := r.db.GetLLMVerdict(changeID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("runner: %w", err)
	}

	if _, err := r.saveAggregated(rec, llm); err != nil {
		return err
	}

	// LLM calls are not re-issued on backfill unless explicitly forced.
	if r.batcher != nil && (forceLLM || llm == nil) {
		r.mu.Lock()
		r.queue = append(r.queue, llmdetect.BatchItem{
			ChangeID: changeID,
			Context:  llmdetect.BuildContext(rec),
		})
		r.mu.Unlock()
	}
	return nil
}
