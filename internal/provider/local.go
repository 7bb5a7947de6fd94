package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"calsync/internal/model"
	"calsync/internal/mutation"
	"calsync/internal/store"
)

// LocalCalendarID is the default calendar of a local account.
func LocalCalendarID(accountID string) string {
	return accountID + "-local-first"
}

// Local keeps events only in the store. Everything is permitted.
type Local struct {
	db    *store.DB
	cache mutation.Cache
	opts  []mutation.Option
}

func NewLocal(db *store.DB, cache mutation.Cache, opts ...mutation.Option) *Local {
	return &Local{db: db, cache: cache, opts: opts}
}

func (l *Local) EventCapabilities(context.Context, model.Event) (model.Capabilities, error) {
	return model.Capabilities{CanCreate: true, CanUpdate: true, CanDelete: true}, nil
}

func (l *Local) CreateEvent(ctx context.Context, ev model.Event, bt *model.Busytime) error {
	return mutation.NewCreate(l.db, l.cache, ev, bt, nil, l.opts...).Commit(ctx)
}

func (l *Local) UpdateEvent(ctx context.Context, ev model.Event, bt *model.Busytime) error {
	return mutation.NewUpdate(l.db, l.cache, ev, bt, nil, l.opts...).Commit(ctx)
}

func (l *Local) DeleteEvent(ctx context.Context, ev model.Event) error {
	return mutation.Remove(ctx, l.db, l.cache, ev.ID)
}

// VerifyAccount assigns an id to new accounts. Local accounts carry no
// credentials.
func (l *Local) VerifyAccount(_ context.Context, account model.Account) (model.Account, error) {
	if account.ProviderType != TypeLocal {
		return model.Account{}, fmt.Errorf("local provider got %q account", account.ProviderType)
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.Preset = TypeLocal
	account.User, account.Password, account.URL = "", "", ""
	return account, nil
}

// SyncAccount makes sure the default calendar exists.
func (l *Local) SyncAccount(ctx context.Context, account model.Account) error {
	id := LocalCalendarID(account.ID)
	_, err := l.db.Calendars().Get(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return l.db.Calendars().Persist(ctx, nil, model.Calendar{
		ID:        id,
		AccountID: account.ID,
		Name:      "Offline calendar",
	})
}
