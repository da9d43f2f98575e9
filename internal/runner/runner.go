// Package runner drives every enabled processor over the entry catalog,
// moving each processor's pointer forward batch by batch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"librarian/internal/model"
	"librarian/internal/processor"
	"librarian/internal/storage"
	"librarian/internal/tags"
)

// Store is the catalog and cursor storage a worker needs.
type Store interface {
	GetOrCreatePointer(ctx context.Context, processorID int64) (model.ProcessorPointer, error)
	EntriesAfter(ctx context.Context, pointer model.ProcessorPointer, limit int) ([]model.Entry, error)
	RequeuedEntries(ctx context.Context, processorID int64, limit int) ([]model.Entry, error)
	RecordAttempt(ctx context.Context, processorID int64, entryID, errMsg string) (int, error)
	AdvancePointer(ctx context.Context, processorID int64, from, to model.ProcessorPointer) (bool, error)
	SetEntryStates(ctx context.Context, processorID int64, entryIDs []string, state model.EntryStateKind) error
	SetEntryState(ctx context.Context, processorID int64, entryID string, state model.EntryStateKind, errMsg string) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
}

// Normalizer turns raw tags into canonical ones.
type Normalizer interface {
	Normalize(raw []tags.RawTag) []tags.Tag
}

// Tagger attaches canonical tags to entries.
type Tagger interface {
	ApplyTags(ctx context.Context, entryID string, processorID int64, normalized []tags.Tag) error
}

// Options control worker timing and locking. MaxAttempts bounds how many
// batches a single entry may fail with a transient error before it is marked
// failed.
type Options struct {
	LockDir     string
	Idle        time.Duration
	RetryBase   time.Duration
	RetryMax    time.Duration
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Idle <= 0 {
		o.Idle = 5 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

// Worker runs one processor.
type Worker struct {
	ID        int64
	Name      string
	batchSize int
	workers   int
	proc      processor.Processor
	store     Store
	pipeline  Normalizer
	tagger    Tagger
	opts      Options
	log       *slog.Logger
}

// NewWorker creates the worker of one processor.
func NewWorker(id int64, name string, batchSize, workers int, proc processor.Processor, store Store, pipeline Normalizer, tagger Tagger, opts Options, log *slog.Logger) *Worker {
	return &Worker{
		ID:        id,
		Name:      name,
		batchSize: max(batchSize, 1),
		workers:   max(workers, 1),
		proc:      proc,
		store:     store,
		pipeline:  pipeline,
		tagger:    tagger,
		opts:      opts.withDefaults(),
		log:       log.With("processor_id", id, "processor", name),
	}
}

// Run processes batches until ctx is done. It holds the processor lock for
// its whole lifetime, waiting for another instance to release it first. It
// returns nil on cancellation and the error that halted the processor
// otherwise.
func (w *Worker) Run(ctx context.Context) error {
	if w.opts.LockDir != "" {
		unlock, err := w.lock(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		defer unlock()
	}

	w.log.Info("processor started")
	for {
		var processed int
		b := retry.WithCappedDuration(w.opts.RetryMax, retry.NewExponential(w.opts.RetryBase))
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			n, err := w.RunOnce(ctx)
			if err == nil {
				processed = n
				return nil
			}
			if errors.Is(err, processor.ErrHalt) || ctx.Err() != nil {
				return err
			}
			w.log.Warn("batch failed, retrying", "error", err)
			return retry.RetryableError(err)
		})
		if ctx.Err() != nil {
			w.log.Info("processor stopped")
			return nil
		}
		if err != nil {
			return fmt.Errorf("processor %d: %w", w.ID, err)
		}
		if processed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("processor stopped")
			return nil
		case <-time.After(w.opts.Idle):
		}
	}
}

func (w *Worker) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(w.opts.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(w.opts.LockDir, fmt.Sprintf("processor-%d.lock", w.ID))
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		w.log.Info("processor locked by another instance, waiting", "lock", path)
		if _, err := lock.TryLockContext(ctx, w.opts.Idle); err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			w.log.Warn("failed to release processor lock", "lock", path, "error", err)
		}
	}, nil
}

// RunOnce handles one batch: requeued entries first, otherwise the next
// entries past the pointer. It returns the number of entries handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	requeued, err := w.store.RequeuedEntries(ctx, w.ID, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(requeued) > 0 {
		w.log.Info("reprocessing requeued entries", "count", len(requeued))
		return len(requeued), w.processBatch(ctx, requeued)
	}

	from, err := w.store.GetOrCreatePointer(ctx, w.ID)
	if err != nil {
		return 0, err
	}
	batch, err := w.store.EntriesAfter(ctx, from, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := w.processBatch(ctx, batch); err != nil {
		return 0, err
	}

	to := model.PointerAt(w.ID, batch[len(batch)-1])
	advanced, err := w.store.AdvancePointer(ctx, w.ID, from, to)
	if err != nil {
		return 0, err
	}
	if !advanced {
		w.log.Warn("pointer moved by another instance, batch result kept", "from_entry_id", from.EntryID, "to_entry_id", to.EntryID)
	}
	w.log.Debug("batch processed", "count", len(batch), "pointer_entry_id", to.EntryID)
	return len(batch), nil
}

func (w *Worker) processBatch(ctx context.Context, batch []model.Entry) error {
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	if err := w.store.SetEntryStates(ctx, w.ID, ids, model.StateProcessing); err != nil {
		return err
	}

	feeds, err := w.loadFeeds(ctx, batch)
	if err != nil {
		return w.rollback(ctx, ids, nil, err)
	}

	var (
		mu   sync.Mutex
		done = make(map[string]bool, len(batch))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for _, entry := range batch {
		g.Go(func() error {
			if err := w.processEntry(gctx, feeds[entry.FeedID], entry); err != nil {
				return err
			}
			mu.Lock()
			done[entry.ID] = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return w.rollback(ctx, ids, done, err)
	}
	return nil
}

// rollback returns the unfinished entries of a failed batch to pending.
func (w *Worker) rollback(ctx context.Context, ids []string, done map[string]bool, cause error) error {
	var pending []string
	for _, id := range ids {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	if err := w.store.SetEntryStates(context.WithoutCancel(ctx), w.ID, pending, model.StatePending); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// loadFeeds fetches the feeds of a batch. A missing feed maps to nil.
func (w *Worker) loadFeeds(ctx context.Context, batch []model.Entry) (map[int64]*model.Feed, error) {
	feeds := make(map[int64]*model.Feed)
	for _, e := range batch {
		if _, ok := feeds[e.FeedID]; ok {
			continue
		}
		f, err := w.store.GetFeed(ctx, e.FeedID)
		if errors.Is(err, storage.ErrNotFound) {
			feeds[e.FeedID] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		feeds[e.FeedID] = f
	}
	return feeds, nil
}

// processEntry runs the processor on one entry and records the outcome. It
// returns an error only when the whole batch has to stop.
func (w *Worker) processEntry(ctx context.Context, feed *model.Feed, entry model.Entry) error {
	log := w.log.With("entry_id", entry.ID)
	if feed == nil {
		log.Warn("entry feed not found", "feed_id", entry.FeedID)
		return w.store.SetEntryState(ctx, w.ID, entry.ID, model.StateFailed, "feed not found")
	}

	raw, err := w.proc.Process(ctx, *feed, entry)
	var perm *processor.PermanentError
	switch {
	case err == nil:
	case errors.Is(err, processor.ErrHalt):
		return err
	case errors.Is(err, processor.ErrSkip):
		log.Debug("entry skipped", "reason", err)
		return w.store.SetEntryState(ctx, w.ID, entry.ID, model.StateSkipped, err.Error())
	case errors.As(err, &perm):
		log.Warn("entry failed", "error", err)
		return w.store.SetEntryState(ctx, w.ID, entry.ID, model.StateFailed, err.Error())
	default:
		return w.recordFailure(ctx, entry, err)
	}

	normalized := w.pipeline.Normalize(raw)
	if err := w.tagger.ApplyTags(ctx, entry.ID, w.ID, normalized); err != nil {
		return err
	}
	log.Debug("entry processed", "raw_tags", len(raw), "tags", len(normalized))
	return w.store.SetEntryState(ctx, w.ID, entry.ID, model.StateProcessed, "")
}

// recordFailure counts a transient failure of an entry. Below the attempt
// limit the error is returned and the batch is retried; at the limit the
// entry is marked failed so the pointer can move past it.
func (w *Worker) recordFailure(ctx context.Context, entry model.Entry, cause error) error {
	if ctx.Err() != nil {
		return cause
	}
	attempts, err := w.store.RecordAttempt(ctx, w.ID, entry.ID, cause.Error())
	if err != nil {
		return errors.Join(cause, err)
	}
	if attempts < w.opts.MaxAttempts {
		return cause
	}
	w.log.Warn("entry failed after repeated errors", "entry_id", entry.ID, "attempts", attempts, "error", cause)
	return w.store.SetEntryState(ctx, w.ID, entry.ID, model.StateFailed, cause.Error())
}

// Runner runs a set of workers side by side.
type Runner struct {
	workers []*Worker
	log     *slog.Logger
}

// New creates a Runner.
func New(workers []*Worker, log *slog.Logger) *Runner {
	return &Runner{workers: workers, log: log}
}

// Run blocks until ctx is done. A halted processor is logged and stops on
// its own; the others keep running.
func (r *Runner) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, w := range r.workers {
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				r.log.Error("processor halted", "processor_id", w.ID, "processor", w.Name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
