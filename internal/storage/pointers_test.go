package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"librarian/internal/model"
)

// seedEntries inserts n entries one second apart and returns them in rank
// order.
func seedEntries(t *testing.T, s *SQLite, n int) []model.Entry {
	t.Helper()
	feed := createFeed(t, s, "https://seed.example.com/rss")
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	entries := make([]model.Entry, n)
	for i := range entries {
		entries[i] = model.Entry{
			FeedID:     feed.ID,
			ExternalID: fmt.Sprintf("guid-%02d", i),
			Title:      fmt.Sprintf("Entry %d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.InsertEntry(context.Background(), &entries[i]); err != nil {
			t.Fatalf("insert entry: %v", err)
		}
	}
	return entries
}

func entryIDs(entries []model.Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestGetOrCreatePointer(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	got, err := s.GetOrCreatePointer(ctx, 7)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	want := model.ProcessorPointer{ProcessorID: 7, CreatedAt: model.MinPointerTime, EntryID: model.MinPointerEntryID}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pointer mismatch (-want +got):\n%s", diff)
	}

	again, err := s.GetOrCreatePointer(ctx, 7)
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if diff := cmp.Diff(want, again); diff != "" {
		t.Errorf("second call mismatch (-want +got):\n%s", diff)
	}
}

func TestNextBatchAndAdvance(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	entries := seedEntries(t, s, 5)

	batch, err := s.NextBatch(ctx, 1, 3)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if diff := cmp.Diff(entryIDs(entries[:3]), entryIDs(batch)); diff != "" {
		t.Fatalf("first batch mismatch (-want +got):\n%s", diff)
	}

	from, _ := s.GetOrCreatePointer(ctx, 1)
	to := model.PointerAt(1, batch[len(batch)-1])
	ok, err := s.AdvancePointer(ctx, 1, from, to)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !ok {
		t.Fatal("expected advance to succeed")
	}

	batch, err = s.NextBatch(ctx, 1, 3)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if diff := cmp.Diff(entryIDs(entries[3:]), entryIDs(batch)); diff != "" {
		t.Errorf("second batch mismatch (-want +got):\n%s", diff)
	}

	other, err := s.NextBatch(ctx, 2, 10)
	if err != nil {
		t.Fatalf("next batch other processor: %v", err)
	}
	if len(other) != 5 {
		t.Errorf("independent processor got %d entries, want 5", len(other))
	}
}

func TestNextBatchRedeliversWithoutAdvance(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedEntries(t, s, 12)

	first, err := s.NextBatch(ctx, 1, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	second, err := s.NextBatch(ctx, 1, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if diff := cmp.Diff(entryIDs(first), entryIDs(second)); diff != "" {
		t.Errorf("redelivered batch mismatch (-want +got):\n%s", diff)
	}
}

func TestAdvancePointerStale(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	entries := seedEntries(t, s, 4)

	start, _ := s.GetOrCreatePointer(ctx, 1)
	ok, err := s.AdvancePointer(ctx, 1, start, model.PointerAt(1, entries[2]))
	if err != nil || !ok {
		t.Fatalf("advance: ok=%v err=%v", ok, err)
	}

	tests := []struct {
		name string
		from model.ProcessorPointer
		to   model.ProcessorPointer
	}{
		{name: "stale from", from: start, to: model.PointerAt(1, entries[1])},
		{name: "stale from moving forward", from: start, to: model.PointerAt(1, entries[3])},
		{name: "backwards", from: model.PointerAt(1, entries[2]), to: model.PointerAt(1, entries[0])},
		{name: "same rank", from: model.PointerAt(1, entries[2]), to: model.PointerAt(1, entries[2])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.AdvancePointer(ctx, 1, tt.from, tt.to)
			if err != nil {
				t.Fatalf("advance: %v", err)
			}
			if ok {
				t.Fatal("expected advance to be rejected")
			}
			got, _ := s.GetOrCreatePointer(ctx, 1)
			if diff := cmp.Diff(model.PointerAt(1, entries[2]), got); diff != "" {
				t.Errorf("pointer changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEntryStatesAndReprocess(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	entries := seedEntries(t, s, 3)
	ids := entryIDs(entries)

	if err := s.SetEntryStates(ctx, 1, ids, model.StateProcessing); err != nil {
		t.Fatalf("set states: %v", err)
	}
	if err := s.SetEntryState(ctx, 1, ids[0], model.StateProcessed, ""); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := s.SetEntryState(ctx, 1, ids[1], model.StateFailed, "boom"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := s.SetEntryState(ctx, 1, ids[2], model.StateSkipped, ""); err != nil {
		t.Fatalf("set state: %v", err)
	}

	st, err := s.GetEntryState(ctx, 1, ids[1])
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.State != model.StateFailed || st.Error != "boom" {
		t.Errorf("state = %+v, want failed with error", st)
	}

	counts, err := s.CountEntryStates(ctx, 1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	wantCounts := map[model.EntryStateKind]int{
		model.StateProcessed: 1,
		model.StateFailed:    1,
		model.StateSkipped:   1,
	}
	if diff := cmp.Diff(wantCounts, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}

	start, _ := s.GetOrCreatePointer(ctx, 1)
	if ok, err := s.AdvancePointer(ctx, 1, start, model.PointerAt(1, entries[2])); err != nil || !ok {
		t.Fatalf("advance: ok=%v err=%v", ok, err)
	}

	n, err := s.ReprocessFailed(ctx, 1)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if n != 1 {
		t.Errorf("reprocessed %d entries, want 1", n)
	}

	requeued, err := s.RequeuedEntries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("requeued: %v", err)
	}
	if diff := cmp.Diff([]string{ids[1]}, entryIDs(requeued)); diff != "" {
		t.Errorf("requeued mismatch (-want +got):\n%s", diff)
	}

	other, err := s.RequeuedEntries(ctx, 2, 10)
	if err != nil {
		t.Fatalf("requeued other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other processor has %d requeued entries, want 0", len(other))
	}
}

func TestEntriesAfterUsesGivenPointer(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	entries := seedEntries(t, s, 5)

	start, _ := s.GetOrCreatePointer(ctx, 1)
	if ok, err := s.AdvancePointer(ctx, 1, start, model.PointerAt(1, entries[3])); err != nil || !ok {
		t.Fatalf("advance: ok=%v err=%v", ok, err)
	}

	batch, err := s.EntriesAfter(ctx, start, 2)
	if err != nil {
		t.Fatalf("entries after: %v", err)
	}
	if diff := cmp.Diff(entryIDs(entries[:2]), entryIDs(batch)); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
}

func TestRequeuedEntriesIncludeStrandedProcessing(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	entries := seedEntries(t, s, 3)
	ids := entryIDs(entries)

	start, _ := s.GetOrCreatePointer(ctx, 1)
	if ok, err := s.AdvancePointer(ctx, 1, start, model.PointerAt(1, entries[2])); err != nil || !ok {
		t.Fatalf("advance: ok=%v err=%v", ok, err)
	}
	if err := s.SetEntryStates(ctx, 1, ids, model.StateProcessed); err != nil {
		t.Fatalf("set states: %v", err)
	}
	if err := s.SetEntryState(ctx, 1, ids[0], model.StatePending, ""); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := s.SetEntryState(ctx, 1, ids[1], model.StateProcessing, ""); err != nil {
		t.Fatalf("set state: %v", err)
	}

	requeued, err := s.RequeuedEntries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("requeued: %v", err)
	}
	if diff := cmp.Diff(ids[:2], entryIDs(requeued)); diff != "" {
		t.Errorf("requeued mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	id := seedEntries(t, s, 1)[0].ID

	for want := 1; want <= 3; want++ {
		got, err := s.RecordAttempt(ctx, 1, id, fmt.Sprintf("timeout %d", want))
		if err != nil {
			t.Fatalf("record attempt: %v", err)
		}
		if got != want {
			t.Errorf("attempt = %d, want %d", got, want)
		}
	}

	if err := s.SetEntryState(ctx, 1, id, model.StateFailed, "gave up"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	st, err := s.GetEntryState(ctx, 1, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.Attempts != 3 {
		t.Errorf("attempts after failing = %d, want 3", st.Attempts)
	}

	if _, err := s.ReprocessFailed(ctx, 1); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	st, err = s.GetEntryState(ctx, 1, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.State != model.StatePending || st.Attempts != 0 {
		t.Errorf("state after reprocess = %+v, want pending with no attempts", st)
	}
}
