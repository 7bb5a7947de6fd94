package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/mutation"
	"calsync/internal/store"
)

// Subscription is a read-only ICS feed account. Each account has a single
// calendar whose id is the account id.
type Subscription struct {
	db       *store.DB
	cache    mutation.Cache
	fetcher  *ics.Fetcher
	importer *ics.Importer
	opts     []mutation.Option
}

func NewSubscription(db *store.DB, cache mutation.Cache, fetcher *ics.Fetcher, importer *ics.Importer, opts ...mutation.Option) *Subscription {
	return &Subscription{db: db, cache: cache, fetcher: fetcher, importer: importer, opts: opts}
}

func (s *Subscription) EventCapabilities(context.Context, model.Event) (model.Capabilities, error) {
	return model.Capabilities{}, nil
}

func (s *Subscription) CreateEvent(context.Context, model.Event, *model.Busytime) error {
	return ErrReadOnly
}

func (s *Subscription) UpdateEvent(context.Context, model.Event, *model.Busytime) error {
	return ErrReadOnly
}

func (s *Subscription) DeleteEvent(context.Context, model.Event) error {
	return ErrReadOnly
}

// VerifyAccount fetches the feed once and requires it to parse.
func (s *Subscription) VerifyAccount(ctx context.Context, account model.Account) (model.Account, error) {
	if account.URL == "" {
		return model.Account{}, errors.New("subscription account needs a url")
	}
	res, err := s.fetcher.FetchOne(ctx, source(account))
	if err != nil {
		return model.Account{}, err
	}
	if _, err := ics.ParseICS(res.Body); err != nil {
		return model.Account{}, fmt.Errorf("feed is not a calendar: %w", err)
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.Preset = TypeSubscription
	return account, nil
}

// SyncAccount imports the feed through Import and removes events missing
// from it.
func (s *Subscription) SyncAccount(ctx context.Context, account model.Account) error {
	cal := model.Calendar{ID: account.ID, AccountID: account.ID, Name: feedName(account.URL)}
	if existing, err := s.db.Calendars().Get(ctx, cal.ID); err == nil {
		cal = existing
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	res, err := s.fetcher.FetchOne(ctx, source(account))
	if err != nil {
		return err
	}

	imported, err := Import(ctx, s.db, s.cache, s.importer, string(res.Body), cal.ID, s.opts...)
	if err != nil {
		return err
	}
	// Keyed by stored event id, matching ListByCalendar below.
	masters := imported.Events

	stale, err := s.db.Events().ListByCalendar(ctx, cal.ID)
	if err != nil {
		return err
	}
	removed := 0
	for _, ev := range stale {
		if _, ok := masters[ev.ID]; ok {
			continue
		}
		if err := mutation.Remove(ctx, s.db, s.cache, ev.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		removed++
	}

	if err := s.db.Calendars().Persist(ctx, nil, cal); err != nil {
		return err
	}

	appLog.Info("subscription synced",
		"account", account.ID,
		"events", len(masters),
		"removed", removed,
		"busytimes", imported.Busytimes,
		"alarm_gaps", imported.AlarmGaps,
		"from_cache", res.FromCache,
	)
	return nil
}

func source(account model.Account) ics.Source {
	return ics.Source{AccountID: account.ID, URL: account.URL, User: account.User, Password: account.Password}
}

func feedName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "Subscription"
	}
	return u.Host
}
