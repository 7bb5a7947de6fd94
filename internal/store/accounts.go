package store

import (
	"context"
	"encoding/json"
	"fmt"

	"calsync/internal/model"
)

// AccountVerifier checks an account against its backend and returns the
// account as it should be stored (e.g. with a discovered calendar home).
type AccountVerifier interface {
	VerifyAccount(ctx context.Context, account model.Account) (model.Account, error)
}

// AccountStore persists configured accounts.
type AccountStore struct {
	db *DB
}

func (s *AccountStore) table() table[model.Account] {
	return table[model.Account]{
		db:   s.db,
		name: StoreAccounts,
		key:  func(a model.Account) string { return a.ID },
		cols: []string{"provider_type"},
		vals: func(a model.Account) []any { return []any{a.ProviderType} },
	}
}

func (s *AccountStore) Persist(ctx context.Context, tx *Tx, a model.Account) error {
	return s.table().persist(ctx, tx, a)
}

func (s *AccountStore) Remove(ctx context.Context, tx *Tx, id string) error {
	return s.table().remove(ctx, tx, id)
}

func (s *AccountStore) Get(ctx context.Context, id string) (model.Account, error) {
	return s.table().get(ctx, nil, id)
}

func (s *AccountStore) List(ctx context.Context) ([]model.Account, error) {
	return s.table().list(ctx, nil, "", "id")
}

// VerifyAndPersist verifies account with v and stores the verified result.
// Nothing is written when verification fails.
func (s *AccountStore) VerifyAndPersist(ctx context.Context, account model.Account, v AccountVerifier) (model.Account, error) {
	verified, err := v.VerifyAccount(ctx, account)
	if err != nil {
		return model.Account{}, fmt.Errorf("verify account %s: %w", account.ID, err)
	}
	verified.Error = ""
	if err := s.Persist(ctx, nil, verified); err != nil {
		return model.Account{}, err
	}
	return verified, nil
}

// RemoveCascade deletes an account, its calendars and all their events.
func (s *AccountStore) RemoveCascade(ctx context.Context, id string) error {
	scope := append([]string{StoreAccounts, StoreCalendars}, CascadeScope...)
	return s.db.run(ctx, nil, ReadWrite, scope, func(tx *Tx) error {
		cals, err := s.db.calendars.table().list(ctx, tx, "account_id = ?", "id", id)
		if err != nil {
			return err
		}
		for _, cal := range cals {
			if err := s.db.calendars.removeCascade(ctx, tx, cal.ID); err != nil {
				return err
			}
		}
		return s.table().remove(ctx, tx, id)
	})
}

// CalendarStore persists calendars keyed by id.
type CalendarStore struct {
	db *DB
}

func (s *CalendarStore) table() table[model.Calendar] {
	return table[model.Calendar]{
		db:   s.db,
		name: StoreCalendars,
		key:  func(c model.Calendar) string { return c.ID },
		cols: []string{"account_id"},
		vals: func(c model.Calendar) []any { return []any{c.AccountID} },
	}
}

func (s *CalendarStore) Persist(ctx context.Context, tx *Tx, c model.Calendar) error {
	return s.table().persist(ctx, tx, c)
}

func (s *CalendarStore) Remove(ctx context.Context, tx *Tx, id string) error {
	return s.table().remove(ctx, tx, id)
}

func (s *CalendarStore) Get(ctx context.Context, id string) (model.Calendar, error) {
	return s.table().get(ctx, nil, id)
}

func (s *CalendarStore) List(ctx context.Context) ([]model.Calendar, error) {
	return s.table().list(ctx, nil, "", "id")
}

func (s *CalendarStore) ListByAccount(ctx context.Context, accountID string) ([]model.Calendar, error) {
	return s.table().list(ctx, nil, "account_id = ?", "id", accountID)
}

// RemoveCascade deletes a calendar and every event it owns.
func (s *CalendarStore) RemoveCascade(ctx context.Context, id string) error {
	scope := append([]string{StoreCalendars}, CascadeScope...)
	return s.db.run(ctx, nil, ReadWrite, scope, func(tx *Tx) error {
		return s.removeCascade(ctx, tx, id)
	})
}

func (s *CalendarStore) removeCascade(ctx context.Context, tx *Tx, id string) error {
	events, err := s.db.events.table().list(ctx, tx, "calendar_id = ?", "id", id)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := s.db.events.removeCascade(ctx, tx, ev.ID); err != nil {
			return err
		}
	}
	return s.table().remove(ctx, tx, id)
}

// SettingStore keeps named JSON settings.
type SettingStore struct {
	db *DB
}

func (s *SettingStore) table() table[model.Setting] {
	return table[model.Setting]{
		db:   s.db,
		name: StoreSettings,
		key:  func(st model.Setting) string { return st.Name },
	}
}

func (s *SettingStore) Persist(ctx context.Context, tx *Tx, st model.Setting) error {
	return s.table().persist(ctx, tx, st)
}

func (s *SettingStore) Remove(ctx context.Context, tx *Tx, name string) error {
	return s.table().remove(ctx, tx, name)
}

func (s *SettingStore) Get(ctx context.Context, name string) (model.Setting, error) {
	return s.table().get(ctx, nil, name)
}

func (s *SettingStore) List(ctx context.Context) ([]model.Setting, error) {
	return s.table().list(ctx, nil, "", "id")
}

// Set stores value under name.
func (s *SettingStore) Set(ctx context.Context, name string, value json.RawMessage) (model.Setting, error) {
	if name == "" {
		return model.Setting{}, fmt.Errorf("settings: empty name")
	}
	if !json.Valid(value) {
		return model.Setting{}, fmt.Errorf("settings: %s: value is not valid JSON", name)
	}
	st := model.Setting{Name: name, Value: value}
	return st, s.Persist(ctx, nil, st)
}
