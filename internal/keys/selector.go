package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"librarian/internal/llm"
	"librarian/internal/model"
	"librarian/internal/quota"
)

// ErrNoKey is returned when no key can pay for a call.
var ErrNoKey = errors.New("no api key available")

// Pseudo users under which system keys are metered.
const (
	CollectionsUser = "collections"
	GeneralUser     = "general"
)

// Source tells where a selected key came from.
type Source string

// Key sources.
const (
	SourceCollections Source = "collections"
	SourceGeneral     Source = "general"
	SourceUser        Source = "user"
)

// Usage is a selected key with the reservation that pays for the call.
type Usage struct {
	APIKey      string
	Source      Source
	Reservation quota.Reservation
}

// Store is the data the selector reads.
type Store interface {
	LinkedUsers(ctx context.Context, feedID int64) ([]string, error)
	UserKeys(ctx context.Context, userIDs []string, provider string) ([]model.UserKey, error)
	ResourceUsage(ctx context.Context, userIDs []string, kind model.ResourceKind, interval time.Time) (map[string]int64, error)
}

// Selector picks the key for a call and reserves its estimated cost.
type Selector struct {
	store          Store
	ledger         *quota.Ledger
	statuses       Statuses
	collectionKeys map[string]string
	generalKey     string
	log            *slog.Logger
	now            func() time.Time
}

// NewSelector creates a Selector. collectionKeys maps provider names to the
// keys that pay for collection feeds; generalKey, when set, pays for every
// other feed before user keys are considered.
func NewSelector(store Store, ledger *quota.Ledger, statuses Statuses, collectionKeys map[string]string, generalKey string, log *slog.Logger) *Selector {
	return &Selector{
		store:          store,
		ledger:         ledger,
		statuses:       statuses,
		collectionKeys: collectionKeys,
		generalKey:     generalKey,
		log:            log,
		now:            time.Now,
	}
}

// Select chooses a key for a call about entry of feed and reserves amount
// units of kind for it. The collections key pays for collection feeds and
// the general key for anything else it is set for; user keys of linked
// users, least used first, pay only for feeds outside collections. It
// returns ErrNoKey when nothing can pay.
func (s *Selector) Select(ctx context.Context, provider string, kind model.ResourceKind, feed model.Feed, entry model.Entry, amount int64) (Usage, error) {
	interval := quota.MonthIntervalStart(s.now())

	if key := s.collectionKeys[provider]; feed.IsCollection && key != "" {
		return s.reserveSystem(ctx, key, SourceCollections, CollectionsUser, kind, amount, interval)
	}
	if s.generalKey != "" {
		return s.reserveSystem(ctx, s.generalKey, SourceGeneral, GeneralUser, kind, amount, interval)
	}
	if feed.IsCollection {
		return Usage{}, fmt.Errorf("%w: no %s key for collection feeds", ErrNoKey, provider)
	}
	return s.reserveUser(ctx, provider, kind, feed, entry, amount, interval)
}

func (s *Selector) reserveSystem(ctx context.Context, key string, source Source, user string, kind model.ResourceKind, amount int64, interval time.Time) (Usage, error) {
	status, err := s.statuses.Get(ctx, key)
	if err != nil {
		return Usage{}, err
	}
	if !status.Usable() {
		return Usage{}, fmt.Errorf("%w: %s key status is %s", ErrNoKey, source, status)
	}
	r, err := s.ledger.TryToReserve(ctx, user, kind, amount, interval)
	if errors.Is(err, quota.ErrDenied) {
		return Usage{}, fmt.Errorf("%w: %s budget exhausted", ErrNoKey, source)
	}
	if err != nil {
		return Usage{}, err
	}
	return Usage{APIKey: key, Source: source, Reservation: r}, nil
}

func (s *Selector) reserveUser(ctx context.Context, provider string, kind model.ResourceKind, feed model.Feed, entry model.Entry, amount int64, interval time.Time) (Usage, error) {
	users, err := s.store.LinkedUsers(ctx, feed.ID)
	if err != nil {
		return Usage{}, err
	}
	candidates, err := s.store.UserKeys(ctx, users, provider)
	if err != nil {
		return Usage{}, err
	}

	age := s.now().Sub(entry.CreatedAt)
	var usable []model.UserKey
	for _, k := range candidates {
		if k.MaxEntryAgeDays > 0 && age > time.Duration(k.MaxEntryAgeDays)*24*time.Hour {
			continue
		}
		status, err := s.statuses.Get(ctx, k.APIKey)
		if err != nil {
			return Usage{}, err
		}
		if !status.Usable() {
			continue
		}
		usable = append(usable, k)
	}
	if len(usable) == 0 {
		return Usage{}, fmt.Errorf("%w: no usable %s key among %d linked users", ErrNoKey, provider, len(users))
	}

	ids := make([]string, len(usable))
	for i, k := range usable {
		ids[i] = k.UserID
	}
	used, err := s.store.ResourceUsage(ctx, ids, kind, interval)
	if err != nil {
		return Usage{}, err
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return used[usable[i].UserID] < used[usable[j].UserID]
	})

	for _, k := range usable {
		r, err := s.ledger.TryToReserve(ctx, k.UserID, kind, amount, interval)
		if errors.Is(err, quota.ErrDenied) {
			continue
		}
		if err != nil {
			return Usage{}, err
		}
		return Usage{APIKey: k.APIKey, Source: SourceUser, Reservation: r}, nil
	}
	return Usage{}, fmt.Errorf("%w: every %s key is over its limit", ErrNoKey, provider)
}

// Report records the outcome of a call made with a key.
func (s *Selector) Report(ctx context.Context, u Usage, callErr error) {
	status := StatusWorks
	switch llm.KindOf(callErr) {
	case llm.KindAuth:
		status = StatusBroken
	case llm.KindQuota:
		status = StatusQuota
	default:
		if callErr != nil {
			return
		}
	}
	if err := s.statuses.Set(context.WithoutCancel(ctx), u.APIKey, status); err != nil {
		s.log.Warn("failed to store key status", "source", u.Source, "user_id", u.Reservation.UserID, "error", err)
		return
	}
	if status != StatusWorks {
		s.log.Warn("api key disabled", "source", u.Source, "user_id", u.Reservation.UserID, "status", status, "key", Fingerprint(u.APIKey))
	}
}
