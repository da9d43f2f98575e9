// Package quota implements the two-phase resource ledger that gates metered
// calls: reserve an estimate first, then convert it to the measured amount or
// release it.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"librarian/internal/model"
)

var (
	// ErrDenied is returned when a reservation would exceed the limit.
	ErrDenied = errors.New("quota denied")
	// ErrUnknownKind is returned for a resource kind without a configured limit.
	ErrUnknownKind = errors.New("unknown resource kind")
	// ErrCannotConvert is returned when the record holds less than the
	// reservation being converted.
	ErrCannotConvert = errors.New("reserved amount cannot be converted")
	// ErrCannotRelease is returned when the record holds less than the
	// reservation being released.
	ErrCannotRelease = errors.New("reserved amount cannot be released")
)

// Store persists resource records with atomic conditional updates.
type Store interface {
	EnsureResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time) error
	ReserveResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time, amount, limit int64) (bool, error)
	ConvertResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time, reserved, used int64) (bool, error)
	ReleaseResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time, amount int64) (bool, error)
	GetResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time) (model.ResourceRecord, error)
	ResourceHistory(ctx context.Context, userID string, kind model.ResourceKind) ([]model.ResourceRecord, error)
}

// Reservation is a held amount against one (user, kind, interval) record.
type Reservation struct {
	ID                string
	UserID            string
	Kind              model.ResourceKind
	IntervalStartedAt time.Time
	Amount            int64
}

// Ledger enforces per-kind limits over resource records.
type Ledger struct {
	store  Store
	limits map[model.ResourceKind]int64
	log    *slog.Logger
}

// NewLedger creates a Ledger with the given per-kind limits.
func NewLedger(store Store, limits map[string]int64, log *slog.Logger) *Ledger {
	l := &Ledger{store: store, limits: make(map[model.ResourceKind]int64, len(limits)), log: log}
	for kind, limit := range limits {
		l.limits[model.ResourceKind(kind)] = limit
	}
	return l
}

// Limit returns the configured limit of a kind.
func (l *Ledger) Limit(kind model.ResourceKind) (int64, error) {
	limit, ok := l.limits[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return limit, nil
}

// TryToReserve holds amount units for the user when used + reserved + amount
// stays within the limit. On ErrDenied nothing is changed.
func (l *Ledger) TryToReserve(ctx context.Context, userID string, kind model.ResourceKind, amount int64, interval time.Time) (Reservation, error) {
	limit, err := l.Limit(kind)
	if err != nil {
		return Reservation{}, err
	}
	if amount < 0 {
		return Reservation{}, fmt.Errorf("reserve %s: negative amount %d", kind, amount)
	}
	interval = interval.UTC()

	if err := l.store.EnsureResource(ctx, userID, kind, interval); err != nil {
		return Reservation{}, err
	}
	ok, err := l.store.ReserveResource(ctx, userID, kind, interval, amount, limit)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return Reservation{}, fmt.Errorf("%w: user %s kind %s amount %d limit %d", ErrDenied, userID, kind, amount, limit)
	}

	r := Reservation{
		ID:                uuid.NewString(),
		UserID:            userID,
		Kind:              kind,
		IntervalStartedAt: interval,
		Amount:            amount,
	}
	l.log.Debug("reserved resource", "reservation_id", r.ID, "user_id", userID, "kind", kind, "amount", amount)
	return r, nil
}

// ConvertReservedToUsed removes the reservation from reserved and adds the
// measured amount to used. The measured amount may exceed the reservation;
// the limit is only checked when reserving.
func (l *Ledger) ConvertReservedToUsed(ctx context.Context, r Reservation, actual int64) error {
	ok, err := l.store.ConvertResource(ctx, r.UserID, r.Kind, r.IntervalStartedAt, r.Amount, actual)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: reservation %s", ErrCannotConvert, r.ID)
	}
	l.log.Debug("converted reservation", "reservation_id", r.ID, "reserved", r.Amount, "used", actual)
	return nil
}

// Release returns the reservation without using it.
func (l *Ledger) Release(ctx context.Context, r Reservation) error {
	ok, err := l.store.ReleaseResource(ctx, r.UserID, r.Kind, r.IntervalStartedAt, r.Amount)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: reservation %s", ErrCannotRelease, r.ID)
	}
	l.log.Debug("released reservation", "reservation_id", r.ID, "amount", r.Amount)
	return nil
}

// Use runs fn under the reservation. fn reports the measured amount it
// consumed. A successful fn converts the reservation; a failed fn converts
// when it still consumed units and releases otherwise. Settlement runs on a
// context detached from ctx cancellation.
func (l *Ledger) Use(ctx context.Context, r Reservation, fn func(ctx context.Context) (int64, error)) error {
	actual, err := fn(ctx)
	settleCtx := context.WithoutCancel(ctx)

	if err != nil && actual <= 0 {
		if relErr := l.Release(settleCtx, r); relErr != nil {
			l.log.Error("release reservation", "reservation_id", r.ID, "error", relErr)
			return errors.Join(err, relErr)
		}
		return err
	}

	if convErr := l.ConvertReservedToUsed(settleCtx, r, actual); convErr != nil {
		l.log.Error("convert reservation", "reservation_id", r.ID, "error", convErr)
		return errors.Join(err, convErr)
	}
	return err
}

// Record returns the current record of (user, kind, interval).
func (l *Ledger) Record(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time) (model.ResourceRecord, error) {
	return l.store.GetResource(ctx, userID, kind, interval.UTC())
}

// History returns all interval records of a user for one kind, newest first.
func (l *Ledger) History(ctx context.Context, userID string, kind model.ResourceKind) ([]model.ResourceRecord, error) {
	return l.store.ResourceHistory(ctx, userID, kind)
}
