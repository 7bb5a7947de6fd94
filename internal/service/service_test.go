package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"calsync/internal/cache"
	"calsync/internal/model"
	"calsync/internal/mutation"
	"calsync/internal/provider"
	"calsync/internal/store"
)

// fakeProvider reports fixed capabilities and records mutations.
type fakeProvider struct {
	caps      model.Capabilities
	verifyErr error

	mu     sync.Mutex
	calls  []string
	synced []string
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) EventCapabilities(context.Context, model.Event) (model.Capabilities, error) {
	return f.caps, nil
}

func (f *fakeProvider) CreateEvent(context.Context, model.Event, *model.Busytime) error {
	f.record("create")
	return nil
}

func (f *fakeProvider) UpdateEvent(context.Context, model.Event, *model.Busytime) error {
	f.record("update")
	return nil
}

func (f *fakeProvider) DeleteEvent(context.Context, model.Event) error {
	f.record("delete")
	return nil
}

func (f *fakeProvider) VerifyAccount(_ context.Context, a model.Account) (model.Account, error) {
	if f.verifyErr != nil {
		return model.Account{}, f.verifyErr
	}
	if a.ID == "" {
		a.ID = "acct-new"
	}
	return a, nil
}

func (f *fakeProvider) SyncAccount(_ context.Context, a model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, a.ID)
	return nil
}

type fixture struct {
	svc  *Service
	db   *store.DB
	fake *fakeProvider
}

// newFixture wires a service over a temp store with a "fake" provider
// owning calendar "cal-fake" and a local provider owning "cal-local".
func newFixture(t *testing.T, caps model.Capabilities) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	fx := &fixture{fake: &fakeProvider{caps: caps}}
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	fx.svc = New(func(ctx context.Context) (*Deps, error) {
		db, err := store.OpenAndMigrate(ctx, path)
		if err != nil {
			return nil, err
		}
		ctl := cache.New()
		reg := provider.NewRegistry(db, 2)
		reg.Register("fake", fx.fake)
		reg.Register(provider.TypeLocal, provider.NewLocal(db, ctl, mutation.WithClock(func() time.Time { return now })))

		for _, a := range []model.Account{{ID: "acct-fake", ProviderType: "fake"}, {ID: "acct-local", ProviderType: provider.TypeLocal}} {
			if err := db.Accounts().Persist(ctx, nil, a); err != nil {
				return nil, err
			}
		}
		for _, c := range []model.Calendar{{ID: "cal-fake", AccountID: "acct-fake"}, {ID: "cal-local", AccountID: "acct-local"}} {
			if err := db.Calendars().Persist(ctx, nil, c); err != nil {
				return nil, err
			}
		}
		fx.db = db
		return &Deps{DB: db, Providers: reg, Cache: ctl}, nil
	})
	if err := fx.svc.Start(context.Background()).Wait(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = fx.db.Close() })
	return fx
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func sampleEvent(id, calendarID string) model.Event {
	start := time.Date(2030, 1, 2, 9, 0, 0, 0, time.UTC)
	return model.Event{
		ID:         id,
		CalendarID: calendarID,
		Remote: model.Remote{
			Title: "sync",
			Start: model.FromTime(start, false),
			End:   model.FromTime(start.Add(time.Hour), false),
		},
	}
}

func collect(t *testing.T, svc *Service, endpoint string, params json.RawMessage) []any {
	t.Helper()
	var out []any
	err := svc.OpenStream(context.Background(), endpoint, params, func(v any) error {
		out = append(out, v)
		return nil
	})
	if err != nil {
		t.Fatalf("%s: %v", endpoint, err)
	}
	return out
}

func TestCatalog(t *testing.T) {
	svc := New(func(context.Context) (*Deps, error) { return &Deps{}, nil })
	methods, streams := svc.Endpoints()

	wantMethods := []string{"accounts/create", "accounts/remove", "accounts/sync", "accounts/update",
		"echo", "events/create", "events/remove", "events/update", "settings/set"}
	wantStreams := []string{"accounts/get", "accounts/list", "busytimes/list", "calendars/list",
		"events/get", "settings/get"}
	sort.Strings(wantMethods)
	sort.Strings(wantStreams)

	if len(methods) != len(wantMethods) || len(streams) != len(wantStreams) {
		t.Fatalf("endpoints = %v / %v", methods, streams)
	}
	for i := range wantMethods {
		if methods[i] != wantMethods[i] {
			t.Errorf("method[%d] = %s, want %s", i, methods[i], wantMethods[i])
		}
	}
	for i := range wantStreams {
		if streams[i] != wantStreams[i] {
			t.Errorf("stream[%d] = %s, want %s", i, streams[i], wantStreams[i])
		}
	}
}

func TestEvents_NotPermitted(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{})
	ev := sampleEvent("ev-1", "cal-fake")

	for _, endpoint := range []string{"events/create", "events/update"} {
		_, err := fx.svc.Call(ctx, endpoint, mustJSON(t, EventParams{Event: ev}))
		if !errors.Is(err, ErrNotPermitted) {
			t.Errorf("%s error = %v, want ErrNotPermitted", endpoint, err)
		}
		if err != nil && err.Error() != "operation not permitted" {
			t.Errorf("%s error text = %q", endpoint, err.Error())
		}
	}
	if len(fx.fake.calls) != 0 {
		t.Errorf("provider called: %v", fx.fake.calls)
	}
	if _, err := fx.db.Events().Get(ctx, "ev-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("event stored despite rejection: %v", err)
	}
	if bts, _ := fx.db.Busytimes().ListByEvent(ctx, "ev-1"); len(bts) != 0 {
		t.Errorf("busytimes stored despite rejection: %+v", bts)
	}

	// events/remove checks canDelete on the stored event.
	if err := fx.db.Events().Persist(ctx, nil, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.Call(ctx, "events/remove", mustJSON(t, map[string]string{"id": "ev-1"})); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("events/remove error = %v, want ErrNotPermitted", err)
	}
	if _, err := fx.db.Events().Get(ctx, "ev-1"); err != nil {
		t.Errorf("event removed despite rejection: %v", err)
	}
}

func TestEvents_UpdateUsesStoredCalendar(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{})
	stored := sampleEvent("ev-1", "cal-fake")
	if err := fx.db.Events().Persist(ctx, nil, stored); err != nil {
		t.Fatal(err)
	}

	// The payload names the writable local calendar; the event lives in
	// the read-only fake one.
	forged := sampleEvent("ev-1", "cal-local")
	forged.Remote.Title = "hijacked"
	if _, err := fx.svc.Call(ctx, "events/update", mustJSON(t, EventParams{Event: forged})); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("events/update error = %v, want ErrNotPermitted", err)
	}
	got, err := fx.db.Events().Get(ctx, "ev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CalendarID != "cal-fake" || got.Remote.Title != "sync" {
		t.Errorf("stored event changed: %+v", got)
	}
	if bts, _ := fx.db.Busytimes().ListByEvent(ctx, "ev-1"); len(bts) != 0 {
		t.Errorf("busytimes written despite rejection: %+v", bts)
	}
}

func TestInvalidParams(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{})

	if _, err := fx.svc.Call(ctx, "events/remove", mustJSON(t, map[string]string{})); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("missing id error = %v", err)
	}
	if _, err := fx.svc.Call(ctx, "events/create", json.RawMessage(`{"event":`)); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("malformed params error = %v", err)
	}
	err := fx.svc.OpenStream(ctx, "busytimes/list", mustJSON(t, rangeParams{Start: 10, End: 5}), func(any) error { return nil })
	if !errors.Is(err, ErrInvalidParams) || err.Error() != "invalid params: end must be after start" {
		t.Errorf("inverted range error = %v", err)
	}
}

func TestEvents_PermittedDelegates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{CanCreate: true, CanUpdate: true, CanDelete: true})
	ev := sampleEvent("ev-1", "cal-fake")

	if _, err := fx.svc.Call(ctx, "events/create", mustJSON(t, EventParams{Event: ev})); err != nil {
		t.Fatalf("events/create: %v", err)
	}
	if _, err := fx.svc.Call(ctx, "events/update", mustJSON(t, EventParams{Event: ev})); err != nil {
		t.Fatalf("events/update: %v", err)
	}
	if err := fx.db.Events().Persist(ctx, nil, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.Call(ctx, "events/remove", mustJSON(t, map[string]string{"id": "ev-1"})); err != nil {
		t.Fatalf("events/remove: %v", err)
	}

	want := []string{"create", "update", "delete"}
	if len(fx.fake.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fx.fake.calls, want)
	}
	for i := range want {
		if fx.fake.calls[i] != want[i] {
			t.Errorf("call[%d] = %s, want %s", i, fx.fake.calls[i], want[i])
		}
	}
}

func TestEvents_LocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{})
	ev := sampleEvent("ev-local", "cal-local")

	if _, err := fx.svc.Call(ctx, "events/create", mustJSON(t, EventParams{Event: ev})); err != nil {
		t.Fatalf("events/create: %v", err)
	}

	got := collect(t, fx.svc, "events/get", mustJSON(t, map[string]string{"id": "ev-local"}))
	if len(got) != 2 {
		t.Fatalf("events/get pushed %d values, want event + 1 busytime", len(got))
	}
	if e, ok := got[0].(model.Event); !ok || e.ID != "ev-local" {
		t.Errorf("first push = %#v", got[0])
	}
	if _, ok := got[1].(model.Busytime); !ok {
		t.Errorf("second push = %#v", got[1])
	}

	rng := rangeParams{Start: ev.Remote.Start.UTC - 1, End: ev.Remote.End.UTC + 1}
	if bts := collect(t, fx.svc, "busytimes/list", mustJSON(t, rng)); len(bts) != 1 {
		t.Errorf("busytimes/list = %d values, want 1", len(bts))
	}
	empty := rangeParams{Start: ev.Remote.End.UTC, End: ev.Remote.End.UTC + 1000}
	if bts := collect(t, fx.svc, "busytimes/list", mustJSON(t, empty)); len(bts) != 0 {
		t.Errorf("busytimes/list after end = %d values, want 0", len(bts))
	}
}

func TestAccounts_CreateSyncsOnSuccessOnly(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{})

	res, err := fx.svc.Call(ctx, "accounts/create", mustJSON(t, model.Account{ProviderType: "fake", Password: "pw"}))
	if err != nil {
		t.Fatalf("accounts/create: %v", err)
	}
	acct := res.(model.Account)
	if acct.ID != "acct-new" || acct.Password != "" {
		t.Errorf("result = %+v", acct)
	}
	if stored, _ := fx.db.Accounts().Get(ctx, "acct-new"); stored.Password != "pw" {
		t.Errorf("stored password = %q", stored.Password)
	}
	if len(fx.fake.synced) != 1 || fx.fake.synced[0] != "acct-new" {
		t.Errorf("synced = %v", fx.fake.synced)
	}

	fx.fake.verifyErr = errors.New("bad credentials")
	if _, err := fx.svc.Call(ctx, "accounts/create", mustJSON(t, model.Account{ID: "acct-bad", ProviderType: "fake"})); err == nil {
		t.Fatal("accounts/create succeeded with failing verification")
	}
	if len(fx.fake.synced) != 1 {
		t.Errorf("sync attempted after failed verification: %v", fx.fake.synced)
	}
	if _, err := fx.db.Accounts().Get(ctx, "acct-bad"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed account stored: %v", err)
	}
}

func TestAccounts_UpdateKeepsPassword(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{})
	if err := fx.db.Accounts().Persist(ctx, nil, model.Account{ID: "acct-fake", ProviderType: "fake", User: "u", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.svc.Call(ctx, "accounts/update", mustJSON(t, model.Account{ID: "acct-fake", ProviderType: "fake", User: "u2"})); err != nil {
		t.Fatalf("accounts/update: %v", err)
	}
	stored, _ := fx.db.Accounts().Get(ctx, "acct-fake")
	if stored.User != "u2" || stored.Password != "pw" {
		t.Errorf("stored = %+v", stored)
	}

	if _, err := fx.svc.Call(ctx, "accounts/update", mustJSON(t, model.Account{ID: "ghost", ProviderType: "fake"})); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("update of unknown account error = %v", err)
	}
}

func TestAccounts_RemoveCascades(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{})
	ev := sampleEvent("ev-local", "cal-local")
	if _, err := fx.svc.Call(ctx, "events/create", mustJSON(t, EventParams{Event: ev})); err != nil {
		t.Fatalf("events/create: %v", err)
	}

	if _, err := fx.svc.Call(ctx, "accounts/remove", mustJSON(t, map[string]string{"id": "acct-local"})); err != nil {
		t.Fatalf("accounts/remove: %v", err)
	}
	if _, err := fx.db.Events().Get(ctx, "ev-local"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("event survived account removal: %v", err)
	}
	accts := collect(t, fx.svc, "accounts/list", nil)
	if len(accts) != 1 || accts[0].(model.Account).ID != "acct-fake" {
		t.Errorf("accounts/list = %+v", accts)
	}
	if cals := collect(t, fx.svc, "calendars/list", nil); len(cals) != 1 {
		t.Errorf("calendars/list = %+v", cals)
	}
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, model.Capabilities{})

	if _, err := fx.svc.Call(ctx, "settings/set", mustJSON(t, settingParams{Name: "syncFrequency", Value: json.RawMessage(`15`)})); err != nil {
		t.Fatalf("settings/set: %v", err)
	}
	got := collect(t, fx.svc, "settings/get", mustJSON(t, map[string]string{"name": "syncFrequency"}))
	if len(got) != 1 || string(got[0].(model.Setting).Value) != "15" {
		t.Errorf("settings/get = %+v", got)
	}
	if _, err := fx.svc.Call(ctx, "settings/set", mustJSON(t, settingParams{Name: "", Value: json.RawMessage(`1`)})); err == nil {
		t.Error("settings/set accepted an empty name")
	}
}

func TestEcho(t *testing.T) {
	fx := newFixture(t, model.Capabilities{})
	res, err := fx.svc.Call(context.Background(), "echo", json.RawMessage(`{"ping":true}`))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if string(res.(json.RawMessage)) != `{"ping":true}` {
		t.Errorf("echo = %s", res)
	}
}
