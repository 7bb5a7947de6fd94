// Package service registers the calendar endpoint catalog on a bridge.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"calsync/internal/bridge"
	"calsync/internal/cache"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/store"
)

// ErrNotPermitted is returned when a provider does not allow a mutation.
var ErrNotPermitted = errors.New("operation not permitted")

// ErrInvalidParams is returned for malformed or incomplete request params.
var ErrInvalidParams = errors.New("invalid params")

// Providers resolves providers and runs syncs. *provider.Registry
// implements it.
type Providers interface {
	ForEvent(ctx context.Context, ev model.Event) (provider.Provider, error)
	VerifyAccount(ctx context.Context, account model.Account) (model.Account, error)
	SyncAccount(ctx context.Context, accountID string) error
	SyncAll(ctx context.Context) error
}

// Deps are produced by the open step.
type Deps struct {
	DB        *store.DB
	Providers Providers
	// Cache, when set, is cleared for removed accounts.
	Cache *cache.Controller
}

// SetupFunc opens the store and builds everything the handlers need.
type SetupFunc func(ctx context.Context) (*Deps, error)

// Service is the bridge with the catalog registered.
type Service struct {
	*bridge.Service

	// deps is written by the open step; handlers only run after it.
	deps *Deps
}

// New builds the catalog. setup runs once, on the first request or Start.
func New(setup SetupFunc) *Service {
	s := &Service{}
	s.Service = bridge.New(func(ctx context.Context) error {
		d, err := setup(ctx)
		if err != nil {
			return err
		}
		s.deps = d
		return nil
	})

	s.Method("echo", s.echo)
	s.Method("accounts/create", s.createAccount)
	s.Method("accounts/update", s.updateAccount)
	s.Method("accounts/remove", s.removeAccount)
	s.Method("accounts/sync", s.syncAccount)
	s.Method("events/create", s.createEvent)
	s.Method("events/update", s.updateEvent)
	s.Method("events/remove", s.removeEvent)
	s.Method("settings/set", s.setSetting)

	s.Stream("accounts/list", s.listAccounts)
	s.Stream("accounts/get", s.getAccount)
	s.Stream("calendars/list", s.listCalendars)
	s.Stream("events/get", s.getEvent)
	s.Stream("busytimes/list", s.listBusytimes)
	s.Stream("settings/get", s.getSetting)
	return s
}

type idParams struct {
	ID string `json:"id"`
}

// EventParams is the payload of events/create and events/update.
type EventParams struct {
	Event    model.Event     `json:"event"`
	Busytime *model.Busytime `json:"busytime,omitempty"`
}

type rangeParams struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type settingParams struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type calendarParams struct {
	AccountID string `json:"accountId"`
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return v, nil
}

func decodeID(params json.RawMessage) (string, error) {
	p, err := decode[idParams](params)
	if err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidParams)
	}
	return p.ID, nil
}

func (s *Service) echo(_ context.Context, params json.RawMessage) (any, error) {
	return params, nil
}

func (s *Service) createAccount(ctx context.Context, params json.RawMessage) (any, error) {
	acct, err := decode[model.Account](params)
	if err != nil {
		return nil, err
	}
	return s.persistAccount(ctx, acct)
}

func (s *Service) updateAccount(ctx context.Context, params json.RawMessage) (any, error) {
	acct, err := decode[model.Account](params)
	if err != nil {
		return nil, err
	}
	if acct.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidParams)
	}
	existing, err := s.deps.DB.Accounts().Get(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	// Accounts are handed out without passwords; keep the stored one.
	if acct.Password == "" {
		acct.Password = existing.Password
	}
	return s.persistAccount(ctx, acct)
}

// persistAccount verifies and stores the account, then syncs it. A sync
// failure is recorded on the account rather than failing the request.
func (s *Service) persistAccount(ctx context.Context, acct model.Account) (any, error) {
	stored, err := s.deps.DB.Accounts().VerifyAndPersist(ctx, acct, s.deps.Providers)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Providers.SyncAccount(ctx, stored.ID); err != nil {
		appLog.Error("account sync after save failed", err, "account", stored.ID)
		if reloaded, gerr := s.deps.DB.Accounts().Get(ctx, stored.ID); gerr == nil {
			stored = reloaded
		}
	}
	return redact(stored), nil
}

func (s *Service) removeAccount(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}

	var eventIDs []string
	if s.deps.Cache != nil {
		cals, err := s.deps.DB.Calendars().ListByAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, cal := range cals {
			evs, err := s.deps.DB.Events().ListByCalendar(ctx, cal.ID)
			if err != nil {
				return nil, err
			}
			for _, ev := range evs {
				eventIDs = append(eventIDs, ev.ID)
			}
		}
	}

	if err := s.deps.DB.Accounts().RemoveCascade(ctx, id); err != nil {
		return nil, err
	}
	for _, evID := range eventIDs {
		s.deps.Cache.Uncache(evID)
	}
	return nil, nil
}

// syncAccount syncs one account, or all of them without an id.
func (s *Service) syncAccount(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[idParams](params)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, s.deps.Providers.SyncAll(ctx)
	}
	return nil, s.deps.Providers.SyncAccount(ctx, p.ID)
}

// permitted resolves the event's provider and checks one capability.
func (s *Service) permitted(ctx context.Context, ev model.Event, allowed func(model.Capabilities) bool) (provider.Provider, error) {
	p, err := s.deps.Providers.ForEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	caps, err := p.EventCapabilities(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !allowed(caps) {
		return nil, ErrNotPermitted
	}
	return p, nil
}

func (s *Service) createEvent(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[EventParams](params)
	if err != nil {
		return nil, err
	}
	prov, err := s.permitted(ctx, p.Event, func(c model.Capabilities) bool { return c.CanCreate })
	if err != nil {
		return nil, err
	}
	if err := prov.CreateEvent(ctx, p.Event, p.Busytime); err != nil {
		return nil, err
	}
	return p.Event, nil
}

func (s *Service) updateEvent(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[EventParams](params)
	if err != nil {
		return nil, err
	}
	// A stored event is owned by its stored calendar, whatever the payload
	// claims.
	stored, err := s.deps.DB.Events().Get(ctx, p.Event.ID)
	switch {
	case err == nil:
		p.Event.CalendarID = stored.CalendarID
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	prov, err := s.permitted(ctx, p.Event, func(c model.Capabilities) bool { return c.CanUpdate })
	if err != nil {
		return nil, err
	}
	if err := prov.UpdateEvent(ctx, p.Event, p.Busytime); err != nil {
		return nil, err
	}
	return p.Event, nil
}

func (s *Service) removeEvent(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	ev, err := s.deps.DB.Events().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prov, err := s.permitted(ctx, ev, func(c model.Capabilities) bool { return c.CanDelete })
	if err != nil {
		return nil, err
	}
	return nil, prov.DeleteEvent(ctx, ev)
}

func (s *Service) setSetting(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[settingParams](params)
	if err != nil {
		return nil, err
	}
	return s.deps.DB.Settings().Set(ctx, p.Name, p.Value)
}

func (s *Service) listAccounts(ctx context.Context, _ json.RawMessage, push func(any) error) error {
	accts, err := s.deps.DB.Accounts().List(ctx)
	if err != nil {
		return err
	}
	for _, a := range accts {
		if err := push(redact(a)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) getAccount(ctx context.Context, params json.RawMessage, push func(any) error) error {
	id, err := decodeID(params)
	if err != nil {
		return err
	}
	a, err := s.deps.DB.Accounts().Get(ctx, id)
	if err != nil {
		return err
	}
	return push(redact(a))
}

func (s *Service) listCalendars(ctx context.Context, params json.RawMessage, push func(any) error) error {
	p, err := decode[calendarParams](params)
	if err != nil {
		return err
	}
	var cals []model.Calendar
	if p.AccountID != "" {
		cals, err = s.deps.DB.Calendars().ListByAccount(ctx, p.AccountID)
	} else {
		cals, err = s.deps.DB.Calendars().List(ctx)
	}
	if err != nil {
		return err
	}
	for _, c := range cals {
		if err := push(c); err != nil {
			return err
		}
	}
	return nil
}

// getEvent pushes the event followed by each of its busytimes.
func (s *Service) getEvent(ctx context.Context, params json.RawMessage, push func(any) error) error {
	id, err := decodeID(params)
	if err != nil {
		return err
	}
	ev, err := s.deps.DB.Events().Get(ctx, id)
	if err != nil {
		return err
	}
	if err := push(ev); err != nil {
		return err
	}
	bts, err := s.deps.DB.Busytimes().ListByEvent(ctx, id)
	if err != nil {
		return err
	}
	for _, bt := range bts {
		if err := push(bt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) listBusytimes(ctx context.Context, params json.RawMessage, push func(any) error) error {
	p, err := decode[rangeParams](params)
	if err != nil {
		return err
	}
	if p.End <= p.Start {
		return fmt.Errorf("%w: end must be after start", ErrInvalidParams)
	}
	bts, err := s.deps.DB.Busytimes().ListRange(ctx, p.Start, p.End)
	if err != nil {
		return err
	}
	for _, bt := range bts {
		if err := push(bt); err != nil {
			return err
		}
	}
	return nil
}

// getSetting pushes one setting, or all of them without a name.
func (s *Service) getSetting(ctx context.Context, params json.RawMessage, push func(any) error) error {
	p, err := decode[settingParams](params)
	if err != nil {
		return err
	}
	if p.Name != "" {
		st, err := s.deps.DB.Settings().Get(ctx, p.Name)
		if err != nil {
			return err
		}
		return push(st)
	}
	all, err := s.deps.DB.Settings().List(ctx)
	if err != nil {
		return err
	}
	for _, st := range all {
		if err := push(st); err != nil {
			return err
		}
	}
	return nil
}

// redact drops credentials before an account leaves the process.
func redact(a model.Account) model.Account {
	a.Password = ""
	return a
}
