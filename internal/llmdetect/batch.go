package llmdetect

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/aidetect/internal/schema"
)

// ErrUnknownBatch is returned when polling a batch identifier this process
// has no record of, e.g. after a restart. The caller resubmits the batch's
// unresolved records; completed records were already persisted, so nothing is
// double-counted.
var ErrUnknownBatch = errors.New("llmdetect: unknown batch id")

// BatchItem pairs a change record identifier with its prepared context.
type BatchItem struct {
	ChangeID string
	Context  PRContext
}

// ItemResult is one record's outcome within a batch. Exactly one of Verdict
// and Err is set; an Err means the signal is absent for this run.
type ItemResult struct {
	ChangeID string
	Verdict  *schema.LLMVerdict
	Err      error
}

type batch struct {
	id      string
	pending int
	results []ItemResult
	cancel  context.CancelFunc
}

// Batcher submits change-record contexts to the inference backend in bulk and
// collects results by polling. Concurrent outstanding requests are bounded
// across all batches to respect the backend's rate limits. The structural
// pipeline never waits on a Batcher; it persists provisional results and
// reconciles when Poll reports completions.
type Batcher struct {
	prov Provider
	opts Options
	sem  *semaphore.Weighted
	log  *zap.Logger

	mu      sync.Mutex
	batches map[string]*batch
}

// NewBatcher creates a Batcher allowing at most maxInFlight concurrent
// requests to the backend.
func NewBatcher(prov Provider, opts Options, maxInFlight int64, log *zap.Logger) *Batcher {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Batcher{
		prov:    prov,
		opts:    opts,
		sem:     semaphore.NewWeighted(maxInFlight),
		log:     log,
		batches: make(map[string]*batch),
	}
}

// Submit enqueues a batch of items and returns its identifier immediately.
// Detection runs in the background; results accumulate for Poll. The batch
// outlives the caller's request context; Close cancels all outstanding work.
func (b *Batcher) Submit(items []BatchItem) (string, error) {
	if len(items) == 0 {
		return "", errors.New("llmdetect: empty batch")
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	bt := &batch{id: id, pending: len(items), cancel: cancel}

	b.mu.Lock()
	b.batches[id] = bt
	b.mu.Unlock()

	b.log.Info("llm batch submitted",
		zap.String("batch_id", id),
		zap.Int("items", len(items)))

	for _, item := range items {
		go b.run(ctx, bt, item)
	}
	return id, nil
}

func (b *Batcher) run(ctx context.Context, bt *batch, item BatchItem) {
	var res ItemResult
	res.ChangeID = item.ChangeID

	if err := b.sem.Acquire(ctx, 1); err != nil {
		res.Err = &Failure{ChangeID: item.ChangeID, Reason: "throttle", Err: err}
	} else {
		verdict, err := Detect(ctx, b.prov, item.Context, b.opts)
		b.sem.Release(1)
		res.Verdict, res.Err = verdict, err
	}

	if res.Err != nil {
		b.log.Warn("llm detection failed",
			zap.String("batch_id", bt.id),
			zap.String("change_id", item.ChangeID),
			zap.Error(res.Err))
	}

	b.mu.Lock()
	bt.results = append(bt.results, res)
	bt.pending--
	b.mu.Unlock()
}

// Poll drains the batch's completed results so far. done reports whether the
// batch has fully resolved; once done the batch is forgotten. Partial
// completion is normal: some records resolve while others are still pending.
func (b *Batcher) Poll(batchID string) (results []ItemResult, done bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bt, ok := b.batches[batchID]
	if !ok {
		return nil, false, ErrUnknownBatch
	}
	results = bt.results
	bt.results = nil
	done = bt.pending == 0
	if done {
		bt.cancel()
		delete(b.batches, batchID)
	}
	return results, done, nil
}

// InFlight lists the identifiers of batches that have not fully resolved.
func (b *Batcher) InFlight() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.batches))
	for id := range b.batches {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels all outstanding work.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bt := range b.batches {
		bt.cancel()
	}
}
