package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"

	"librarian/internal/llm"
	"librarian/internal/model"
	"librarian/internal/ontology"
	"librarian/internal/processor"
	"librarian/internal/storage"
	"librarian/internal/tags"
)

const processorID = 7

type env struct {
	store    *storage.SQLite
	entries  []model.Entry
	pipeline *tags.Pipeline
	onto     *ontology.Ontology
	log      *slog.Logger
}

func newEnv(t *testing.T, n int) *env {
	t.Helper()
	ctx := context.Background()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	feed := model.Feed{Name: "blog", URL: "https://blog.example.com/rss", IntervalMinutes: 60, IsActive: true}
	if err := s.CreateFeed(ctx, &feed); err != nil {
		t.Fatalf("create feed: %v", err)
	}
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	entries := make([]model.Entry, n)
	for i := range entries {
		entries[i] = model.Entry{
			FeedID:     feed.ID,
			ExternalID: fmt.Sprintf("guid-%02d", i),
			Title:      fmt.Sprintf("Entry %d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.InsertEntry(ctx, &entries[i]); err != nil {
			t.Fatalf("insert entry: %v", err)
		}
	}

	pipeline, err := tags.BuildPipeline(nil)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &env{store: s, entries: entries, pipeline: pipeline, onto: ontology.New(s, log), log: log}
}

func (e *env) worker(proc processor.Processor, store Store, batchSize, workers int, opts Options) *Worker {
	if store == nil {
		store = e.store
	}
	return NewWorker(processorID, "test", batchSize, workers, proc, store, e.pipeline, e.onto, opts, e.log)
}

func (e *env) pointer(t *testing.T) model.ProcessorPointer {
	t.Helper()
	p, err := e.store.GetOrCreatePointer(context.Background(), processorID)
	if err != nil {
		t.Fatalf("pointer: %v", err)
	}
	return p
}

func (e *env) state(t *testing.T, entryID string) model.EntryStateKind {
	t.Helper()
	st, err := e.store.GetEntryState(context.Background(), processorID, entryID)
	if err != nil {
		t.Fatalf("entry state: %v", err)
	}
	return st.State
}

func tagEvery(context.Context, model.Feed, model.Entry) ([]tags.RawTag, error) {
	return []tags.RawTag{{Raw: "Go"}}, nil
}

func failOn(id string, err error) processor.ProcessorFunc {
	return func(ctx context.Context, feed model.Feed, entry model.Entry) ([]tags.RawTag, error) {
		if entry.ID == id {
			return nil, err
		}
		return tagEvery(ctx, feed, entry)
	}
}

func ids(entries []model.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestRunOnceAdvancesPointer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	w := e.worker(processor.ProcessorFunc(tagEvery), nil, 10, 2, Options{})

	n, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("processed = %d, want 3", n)
	}
	if diff := cmp.Diff(model.PointerAt(processorID, e.entries[2]), e.pointer(t)); diff != "" {
		t.Errorf("pointer mismatch (-want +got):\n%s", diff)
	}
	for _, entry := range e.entries {
		if got := e.state(t, entry.ID); got != model.StateProcessed {
			t.Errorf("entry %s state = %s", entry.ID, got)
		}
	}
	byEntry, err := e.onto.TagsForEntries(ctx, ids(e.entries))
	if err != nil {
		t.Fatalf("tags for entries: %v", err)
	}
	for _, entry := range e.entries {
		if got := byEntry[entry.ID]; len(got) != 1 || got[0].UID != "go" {
			t.Errorf("entry %s tags = %+v", entry.ID, got)
		}
	}

	n, err = w.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Errorf("second RunOnce = %d, %v; want empty batch", n, err)
	}
}

type crashingStore struct {
	*storage.SQLite
}

func (crashingStore) AdvancePointer(context.Context, int64, model.ProcessorPointer, model.ProcessorPointer) (bool, error) {
	return false, errors.New("worker crashed")
}

func TestCrashBeforeAdvanceRedeliversBatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 12)

	crashing := e.worker(processor.ProcessorFunc(tagEvery), crashingStore{e.store}, 10, 4, Options{})
	if _, err := crashing.RunOnce(ctx); err == nil {
		t.Fatal("expected the crash to surface")
	}

	batch, err := e.store.NextBatch(ctx, processorID, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if diff := cmp.Diff(ids(e.entries[:10]), ids(batch)); diff != "" {
		t.Errorf("redelivered batch mismatch (-want +got):\n%s", diff)
	}

	restarted := e.worker(processor.ProcessorFunc(tagEvery), nil, 10, 4, Options{})
	if n, err := restarted.RunOnce(ctx); err != nil || n != 10 {
		t.Fatalf("RunOnce after restart = %d, %v", n, err)
	}
	if diff := cmp.Diff(model.PointerAt(processorID, e.entries[9]), e.pointer(t)); diff != "" {
		t.Errorf("pointer mismatch (-want +got):\n%s", diff)
	}
}

func TestPoisonEntryFailsAlone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 4)
	poison := e.entries[1].ID
	w := e.worker(failOn(poison, processor.Permanent(errors.New("unparseable"))), nil, 10, 2, Options{})

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := e.state(t, poison); got != model.StateFailed {
		t.Errorf("poison state = %s, want failed", got)
	}
	for _, entry := range []model.Entry{e.entries[0], e.entries[2], e.entries[3]} {
		if got := e.state(t, entry.ID); got != model.StateProcessed {
			t.Errorf("entry %s state = %s, want processed", entry.ID, got)
		}
	}
	if diff := cmp.Diff(model.PointerAt(processorID, e.entries[3]), e.pointer(t)); diff != "" {
		t.Errorf("pointer did not pass the poison entry (-want +got):\n%s", diff)
	}
}

func TestSkippedEntry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2)
	w := e.worker(failOn(e.entries[0].ID, fmt.Errorf("%w: no key", processor.ErrSkip)), nil, 10, 1, Options{})

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	st, err := e.store.GetEntryState(ctx, processorID, e.entries[0].ID)
	if err != nil {
		t.Fatalf("entry state: %v", err)
	}
	if st.State != model.StateSkipped || st.Error == "" {
		t.Errorf("state = %+v, want skipped with reason", st)
	}
}

func TestTransientFailureKeepsPointer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	flaky := e.entries[1].ID
	w := e.worker(failOn(flaky, fmt.Errorf("%w: provider unavailable", processor.ErrTransient)), nil, 10, 1, Options{})

	if _, err := w.RunOnce(ctx); !errors.Is(err, processor.ErrTransient) {
		t.Fatalf("RunOnce err = %v, want transient", err)
	}
	if got := e.pointer(t); got.EntryID != model.MinPointerEntryID {
		t.Errorf("pointer moved to %s", got.EntryID)
	}
	if got := e.state(t, flaky); got != model.StatePending {
		t.Errorf("flaky entry state = %s, want pending", got)
	}

	retry := e.worker(processor.ProcessorFunc(tagEvery), nil, 10, 1, Options{})
	if n, err := retry.RunOnce(ctx); err != nil || n != 3 {
		t.Fatalf("retry RunOnce = %d, %v; want the whole batch again", n, err)
	}
}

func TestStaleAdvanceIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	other := model.PointerAt(processorID, e.entries[1])

	var once sync.Once
	proc := processor.ProcessorFunc(func(ctx context.Context, feed model.Feed, entry model.Entry) ([]tags.RawTag, error) {
		var err error
		once.Do(func() {
			// another instance finishes part of the same batch first
			_, err = e.store.AdvancePointer(ctx, processorID, e.pointer(t), other)
		})
		if err != nil {
			return nil, err
		}
		return tagEvery(ctx, feed, entry)
	})
	w := e.worker(proc, nil, 10, 1, Options{})

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if diff := cmp.Diff(other, e.pointer(t)); diff != "" {
		t.Errorf("stale advance changed the pointer (-want +got):\n%s", diff)
	}
}

func TestRequeuedEntriesComeFirst(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	poison := e.entries[0].ID
	w := e.worker(failOn(poison, processor.Permanent(errors.New("bad"))), nil, 10, 1, Options{})
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	n, err := e.store.ReprocessFailed(ctx, processorID)
	if err != nil || n != 1 {
		t.Fatalf("ReprocessFailed = %d, %v", n, err)
	}

	fixed := e.worker(processor.ProcessorFunc(tagEvery), nil, 10, 1, Options{})
	got, err := fixed.RunOnce(ctx)
	if err != nil || got != 1 {
		t.Fatalf("RunOnce = %d, %v; want the requeued entry", got, err)
	}
	if st := e.state(t, poison); st != model.StateProcessed {
		t.Errorf("requeued entry state = %s", st)
	}
}

func TestRunStopsOnHalt(t *testing.T) {
	e := newEnv(t, 2)
	halt := func(context.Context, model.Feed, model.Entry) ([]tags.RawTag, error) {
		return nil, fmt.Errorf("%w: invalid general key", processor.ErrHalt)
	}
	w := e.worker(processor.ProcessorFunc(halt), nil, 10, 1, Options{LockDir: t.TempDir(), Idle: 10 * time.Millisecond, RetryBase: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, processor.ErrHalt) {
		t.Fatalf("Run err = %v, want halt", err)
	}
	if got := e.pointer(t); got.EntryID != model.MinPointerEntryID {
		t.Errorf("pointer moved to %s", got.EntryID)
	}
	if got := e.state(t, e.entries[0].ID); got != model.StatePending {
		t.Errorf("entry state = %s, want pending", got)
	}
}

func TestRunWaitsForLock(t *testing.T) {
	e := newEnv(t, 2)
	dir := t.TempDir()
	held := flock.New(filepath.Join(dir, fmt.Sprintf("processor-%d.lock", processorID)))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("take lock: %v, %v", ok, err)
	}
	defer func() { _ = held.Unlock() }()

	var mu sync.Mutex
	calls := 0
	proc := processor.ProcessorFunc(func(ctx context.Context, feed model.Feed, entry model.Entry) ([]tags.RawTag, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return tagEvery(ctx, feed, entry)
	})
	w := e.worker(proc, nil, 10, 1, Options{LockDir: dir, Idle: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("processor ran %d times while another instance held the lock", calls)
	}
}

func TestRunnerKeepsOtherProcessors(t *testing.T) {
	e := newEnv(t, 2)
	halt := func(context.Context, model.Feed, model.Entry) ([]tags.RawTag, error) {
		return nil, processor.ErrHalt
	}
	opts := Options{Idle: 10 * time.Millisecond, RetryBase: time.Millisecond}
	halting := NewWorker(1, "halting", 10, 1, processor.ProcessorFunc(halt), e.store, e.pipeline, e.onto, opts, e.log)
	healthy := NewWorker(2, "healthy", 10, 1, processor.ProcessorFunc(tagEvery), e.store, e.pipeline, e.onto, opts, e.log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New([]*Worker{halting, healthy}, e.log).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		p, err := e.store.GetOrCreatePointer(context.Background(), 2)
		if err != nil {
			t.Fatalf("pointer: %v", err)
		}
		if p.EntryID == e.entries[1].ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("healthy processor did not finish its batch")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRepeatedTransientFailureFailsEntry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10)
	rejected := e.entries[3].ID
	proc := failOn(rejected, fmt.Errorf("%w: provider returned 400 bad request", processor.ErrTransient))
	w := e.worker(proc, nil, 10, 1, Options{MaxAttempts: 3})

	for attempt := 1; attempt < 3; attempt++ {
		if _, err := w.RunOnce(ctx); !errors.Is(err, processor.ErrTransient) {
			t.Fatalf("attempt %d err = %v, want transient", attempt, err)
		}
		if got := e.pointer(t); got.EntryID != model.MinPointerEntryID {
			t.Fatalf("attempt %d moved the pointer to %s", attempt, got.EntryID)
		}
	}

	n, err := w.RunOnce(ctx)
	if err != nil || n != 10 {
		t.Fatalf("final RunOnce = %d, %v; want the whole batch", n, err)
	}
	if diff := cmp.Diff(model.PointerAt(processorID, e.entries[9]), e.pointer(t)); diff != "" {
		t.Errorf("pointer did not pass the rejected entry (-want +got):\n%s", diff)
	}
	st, err := e.store.GetEntryState(ctx, processorID, rejected)
	if err != nil {
		t.Fatalf("entry state: %v", err)
	}
	if st.State != model.StateFailed || st.Attempts != 3 {
		t.Errorf("rejected entry = %+v, want failed after 3 attempts", st)
	}
	for i, entry := range e.entries {
		if i == 3 {
			continue
		}
		if got := e.state(t, entry.ID); got != model.StateProcessed {
			t.Errorf("entry %d state = %s, want processed", i, got)
		}
	}
}

func TestStrandedProcessingEntryIsPickedUp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	stranded := e.entries[1].ID
	w := e.worker(failOn(stranded, processor.Permanent(errors.New("bad"))), nil, 10, 1, Options{})
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, err := e.store.ReprocessFailed(ctx, processorID); err != nil {
		t.Fatalf("ReprocessFailed: %v", err)
	}
	// a worker claimed the requeued entry and stopped before recording an outcome
	if err := e.store.SetEntryStates(ctx, processorID, []string{stranded}, model.StateProcessing); err != nil {
		t.Fatalf("set states: %v", err)
	}

	next := e.worker(processor.ProcessorFunc(tagEvery), nil, 10, 1, Options{})
	n, err := next.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v; want the stranded entry", n, err)
	}
	if got := e.state(t, stranded); got != model.StateProcessed {
		t.Errorf("stranded entry state = %s, want processed", got)
	}
}

// racingStore moves the stored pointer right after a worker has read it.
type racingStore struct {
	*storage.SQLite
	to model.ProcessorPointer
}

func (s racingStore) GetOrCreatePointer(ctx context.Context, processorID int64) (model.ProcessorPointer, error) {
	p, err := s.SQLite.GetOrCreatePointer(ctx, processorID)
	if err != nil {
		return p, err
	}
	if _, err := s.SQLite.AdvancePointer(ctx, processorID, p, s.to); err != nil {
		return p, err
	}
	return p, nil
}

func TestBatchStartsAtPointerRead(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	other := model.PointerAt(processorID, e.entries[1])
	w := e.worker(processor.ProcessorFunc(tagEvery), racingStore{SQLite: e.store, to: other}, 10, 1, Options{})

	n, err := w.RunOnce(ctx)
	if err != nil || n != 3 {
		t.Fatalf("RunOnce = %d, %v; want the batch after the pointer it read", n, err)
	}
	if got := e.state(t, e.entries[0].ID); got != model.StateProcessed {
		t.Errorf("first entry state = %s, want processed", got)
	}
	if diff := cmp.Diff(other, e.pointer(t)); diff != "" {
		t.Errorf("stale advance changed the pointer (-want +got):\n%s", diff)
	}
}

func TestRejectedRequestDoesNotStallPointer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10)
	rejected := e.entries[3].ID
	badRequest := &llm.Error{Provider: "gemini", Kind: llm.KindInvalidRequest, StatusCode: 400, Reason: "invalid argument"}
	w := e.worker(failOn(rejected, processor.Permanent(badRequest)), nil, 10, 4, Options{})

	n, err := w.RunOnce(ctx)
	if err != nil || n != 10 {
		t.Fatalf("RunOnce = %d, %v; want the whole batch", n, err)
	}
	if diff := cmp.Diff(model.PointerAt(processorID, e.entries[9]), e.pointer(t)); diff != "" {
		t.Errorf("pointer mismatch (-want +got):\n%s", diff)
	}
	st, err := e.store.GetEntryState(ctx, processorID, rejected)
	if err != nil {
		t.Fatalf("entry state: %v", err)
	}
	if st.State != model.StateFailed || st.Error == "" {
		t.Errorf("rejected entry = %+v, want failed with reason", st)
	}
}
