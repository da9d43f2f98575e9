package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"librarian/internal/model"
)

// GetOrCreatePointer returns the pointer of a processor, creating it at the
// minimal rank on first use.
func (s *SQLite) GetOrCreatePointer(ctx context.Context, processorID int64) (model.ProcessorPointer, error) {
	now := s.now().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processor_pointers (processor_id, pointer_created_at, pointer_entry_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (processor_id) DO NOTHING`,
		processorID, formatRank(model.MinPointerTime), model.MinPointerEntryID, now, now,
	)
	if err != nil {
		return model.ProcessorPointer{}, fmt.Errorf("insert pointer: %w", err)
	}

	var created, entryID string
	err = s.db.QueryRowContext(ctx,
		`SELECT pointer_created_at, pointer_entry_id FROM processor_pointers WHERE processor_id = ?`,
		processorID,
	).Scan(&created, &entryID)
	if err != nil {
		return model.ProcessorPointer{}, fmt.Errorf("read pointer: %w", err)
	}
	return model.ProcessorPointer{ProcessorID: processorID, CreatedAt: parseRank(created), EntryID: entryID}, nil
}

// NextBatch returns up to limit entries ranked strictly after the stored
// pointer, in ascending (created_at, id) order.
func (s *SQLite) NextBatch(ctx context.Context, processorID int64, limit int) ([]model.Entry, error) {
	pointer, err := s.GetOrCreatePointer(ctx, processorID)
	if err != nil {
		return nil, err
	}
	return s.EntriesAfter(ctx, pointer, limit)
}

// EntriesAfter returns up to limit entries ranked strictly after the given
// pointer, in ascending (created_at, id) order.
func (s *SQLite) EntriesAfter(ctx context.Context, pointer model.ProcessorPointer, limit int) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+`
		 FROM entries e
		 WHERE (e.created_at, e.id) > (?, ?)
		 ORDER BY e.created_at, e.id
		 LIMIT ?`,
		formatRank(pointer.CreatedAt), pointer.EntryID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query next batch: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// AdvancePointer moves the pointer of a processor from one rank to a strictly
// greater one. It reports false and changes nothing when the stored pointer
// no longer equals from, which happens when another instance already moved it.
func (s *SQLite) AdvancePointer(ctx context.Context, processorID int64, from, to model.ProcessorPointer) (bool, error) {
	toRank, fromRank := formatRank(to.CreatedAt), formatRank(from.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE processor_pointers
		 SET pointer_created_at = ?, pointer_entry_id = ?, updated_at = ?
		 WHERE processor_id = ?
		   AND pointer_created_at = ? AND pointer_entry_id = ?
		   AND (?, ?) > (pointer_created_at, pointer_entry_id)`,
		toRank, to.EntryID, s.now().Format(timeLayout),
		processorID, fromRank, from.EntryID, toRank, to.EntryID,
	)
	if err != nil {
		return false, fmt.Errorf("advance pointer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance pointer: %w", err)
	}
	return n == 1, nil
}

// SetEntryStates records the same state for several entries of a processor.
func (s *SQLite) SetEntryStates(ctx context.Context, processorID int64, entryIDs []string, state model.EntryStateKind) error {
	if len(entryIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Format(timeLayout)
	for _, id := range entryIDs {
		if err := upsertState(ctx, tx, processorID, id, state, "", now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit states: %w", err)
	}
	return nil
}

// SetEntryState records the outcome of one entry for a processor.
func (s *SQLite) SetEntryState(ctx context.Context, processorID int64, entryID string, state model.EntryStateKind, errMsg string) error {
	return upsertState(ctx, s.db, processorID, entryID, state, errMsg, s.now().Format(timeLayout))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertState(ctx context.Context, db execer, processorID int64, entryID string, state model.EntryStateKind, errMsg, now string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO entry_states (processor_id, entry_id, state, error, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (processor_id, entry_id) DO UPDATE SET
		   state = excluded.state, error = excluded.error, updated_at = excluded.updated_at`,
		processorID, entryID, string(state), errMsg, now,
	)
	if err != nil {
		return fmt.Errorf("upsert entry state: %w", err)
	}
	return nil
}

// GetEntryState returns the state of one entry for a processor.
func (s *SQLite) GetEntryState(ctx context.Context, processorID int64, entryID string) (model.EntryState, error) {
	st := model.EntryState{ProcessorID: processorID, EntryID: entryID}
	var state, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT state, error, attempts, updated_at FROM entry_states WHERE processor_id = ? AND entry_id = ?`,
		processorID, entryID,
	).Scan(&state, &st.Error, &st.Attempts, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("entry state: %w", ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("entry state: %w", err)
	}
	st.State = model.EntryStateKind(state)
	st.UpdatedAt, _ = parseTime(updated)
	return st, nil
}

// RequeuedEntries returns pending or processing entries at or below the
// pointer. Pending ones were returned to the queue by ReprocessFailed after
// the pointer passed them; processing ones were left behind by a worker that
// stopped mid-batch.
func (s *SQLite) RequeuedEntries(ctx context.Context, processorID int64, limit int) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+`
		 FROM entry_states st
		 JOIN entries e ON e.id = st.entry_id
		 JOIN processor_pointers p ON p.processor_id = st.processor_id
		 WHERE st.processor_id = ? AND st.state IN (?, ?)
		   AND (e.created_at, e.id) <= (p.pointer_created_at, p.pointer_entry_id)
		 ORDER BY e.created_at, e.id
		 LIMIT ?`,
		processorID, string(model.StatePending), string(model.StateProcessing), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query requeued entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// RecordAttempt counts one more failed attempt of an entry and returns the
// total so far.
func (s *SQLite) RecordAttempt(ctx context.Context, processorID int64, entryID, errMsg string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO entry_states (processor_id, entry_id, state, error, attempts, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT (processor_id, entry_id) DO UPDATE SET
		   error = excluded.error, attempts = entry_states.attempts + 1, updated_at = excluded.updated_at
		 RETURNING attempts`,
		processorID, entryID, string(model.StateProcessing), errMsg, s.now().Format(timeLayout),
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return attempts, nil
}

// ReprocessFailed returns every failed entry of a processor to pending with
// a fresh attempt count and reports how many were requeued.
func (s *SQLite) ReprocessFailed(ctx context.Context, processorID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entry_states SET state = ?, error = '', attempts = 0, updated_at = ?
		 WHERE processor_id = ? AND state = ?`,
		string(model.StatePending), s.now().Format(timeLayout), processorID, string(model.StateFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("reprocess failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reprocess failed: %w", err)
	}
	return n, nil
}

// CountEntryStates returns the number of entries per state for a processor.
func (s *SQLite) CountEntryStates(ctx context.Context, processorID int64) (map[model.EntryStateKind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM entry_states WHERE processor_id = ? GROUP BY state`,
		processorID,
	)
	if err != nil {
		return nil, fmt.Errorf("count entry states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.EntryStateKind]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan entry state count: %w", err)
		}
		counts[model.EntryStateKind(state)] = n
	}
	return counts, rows.Err()
}
