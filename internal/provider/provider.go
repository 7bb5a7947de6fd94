// Package provider performs event mutations and account syncs against a
// calendar backend. Callers check EventCapabilities before mutating.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
)

// Provider types stored in model.Account.ProviderType.
const (
	TypeLocal        = "local"
	TypeSubscription = "subscription"
)

var (
	// ErrUnknownProvider is returned for an account whose provider type
	// has no registered Provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrReadOnly is returned by providers that cannot mutate events.
	ErrReadOnly = errors.New("calendar is read-only")
)

// Provider is a calendar backend.
type Provider interface {
	EventCapabilities(ctx context.Context, ev model.Event) (model.Capabilities, error)
	CreateEvent(ctx context.Context, ev model.Event, bt *model.Busytime) error
	UpdateEvent(ctx context.Context, ev model.Event, bt *model.Busytime) error
	DeleteEvent(ctx context.Context, ev model.Event) error
	VerifyAccount(ctx context.Context, account model.Account) (model.Account, error)
	SyncAccount(ctx context.Context, account model.Account) error
}

// Registry resolves providers by account type and runs account syncs.
type Registry struct {
	db          *store.DB
	concurrency int

	mu        sync.RWMutex
	providers map[string]Provider

	syncs singleflight.Group
}

// NewRegistry returns an empty Registry. concurrency bounds SyncAll; values
// below one mean four.
func NewRegistry(db *store.DB, concurrency int) *Registry {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Registry{
		db:          db,
		concurrency: concurrency,
		providers:   make(map[string]Provider),
	}
}

func (r *Registry) Register(providerType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerType] = p
}

// Get returns the provider registered for providerType.
func (r *Registry) Get(providerType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerType)
	}
	return p, nil
}

// ForEvent resolves event -> calendar -> account -> provider.
func (r *Registry) ForEvent(ctx context.Context, ev model.Event) (Provider, error) {
	cal, err := r.db.Calendars().Get(ctx, ev.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("calendar of event %s: %w", ev.ID, err)
	}
	acct, err := r.db.Accounts().Get(ctx, cal.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account of calendar %s: %w", cal.ID, err)
	}
	return r.Get(acct.ProviderType)
}

// VerifyAccount delegates to the account's provider, which makes the
// Registry usable with store.AccountStore.VerifyAndPersist.
func (r *Registry) VerifyAccount(ctx context.Context, account model.Account) (model.Account, error) {
	p, err := r.Get(account.ProviderType)
	if err != nil {
		return model.Account{}, err
	}
	return p.VerifyAccount(ctx, account)
}

// SyncAccount syncs one stored account. Concurrent calls for the same id
// share a single run. The outcome is recorded in the account's Error.
func (r *Registry) SyncAccount(ctx context.Context, accountID string) error {
	_, err, shared := r.syncs.Do(accountID, func() (any, error) {
		return nil, r.syncAccount(ctx, accountID)
	})
	if shared {
		appLog.Debug("provider sync joined in-flight run", "account", accountID)
	}
	return err
}

func (r *Registry) syncAccount(ctx context.Context, accountID string) error {
	acct, err := r.db.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}
	p, err := r.Get(acct.ProviderType)
	if err != nil {
		return err
	}

	syncErr := p.SyncAccount(ctx, acct)

	// Keep Error in step with the last run.
	status := ""
	if syncErr != nil {
		status = syncErr.Error()
	}
	if status != acct.Error {
		acct.Error = status
		if err := r.db.Accounts().Persist(ctx, nil, acct); err != nil {
			appLog.Error("provider sync status not saved", err, "account", accountID)
		}
	}

	if syncErr != nil {
		appLog.Error("provider sync failed", syncErr, "account", accountID, "type", acct.ProviderType)
		return fmt.Errorf("sync account %s: %w", accountID, syncErr)
	}
	appLog.Info("provider sync completed", "account", accountID, "type", acct.ProviderType)
	return nil
}

// SyncAll syncs every stored account, at most concurrency at a time. One
// failing account does not stop the others; all failures are joined.
func (r *Registry) SyncAll(ctx context.Context) error {
	accounts, err := r.db.Accounts().List(ctx)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, acct := range accounts {
		id := acct.ID
		g.Go(func() error {
			if err := r.SyncAccount(gctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
