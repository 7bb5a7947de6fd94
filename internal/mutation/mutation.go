// Package mutation commits events together with their derived busytime,
// alarms and raw ical component.
//
// A commit writes the event, its busytime and optional ical component in
// one transaction and the alarms in a second one. Alarm cardinality is
// unbounded, so the alarm writes are kept out of the primary write lock;
// the price is that an alarm failure leaves the event committed without
// its alarms. That case is reported as ErrAlarmsNotPersisted.
//
// Nothing serializes two mutations of the same event id. Concurrent
// Create/Update calls for one event can interleave between the busytime
// removal and the rewrite; callers that need ordering must provide it.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
)

var (
	// ErrAlreadyCommitted is returned when Commit is called more than once.
	ErrAlreadyCommitted = errors.New("mutation already committed")

	// ErrAlarmsNotPersisted wraps an alarm transaction failure. The event
	// and busytime of the mutation are committed when it is returned.
	ErrAlarmsNotPersisted = errors.New("alarms not persisted")
)

// State is the lifecycle of a single-use mutation.
type State int

const (
	Constructed State = iota
	Committing
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cache is told about every event and busytime a commit writes. It is
// notified before the primary transaction commits.
type Cache interface {
	CacheEvent(ev model.Event)
	CacheBusytime(bt model.Busytime)
}

// uncacher is implemented by caches that can drop a removed event.
type uncacher interface {
	Uncache(eventID string)
}

type nopCache struct{}

func (nopCache) CacheEvent(model.Event)       {}
func (nopCache) CacheBusytime(model.Busytime) {}

// Option configures a mutation.
type Option func(*engine)

// WithClock replaces time.Now for alarm due checks.
func WithClock(now func() time.Time) Option {
	return func(e *engine) { e.now = now }
}

type engine struct {
	db    *store.DB
	cache Cache
	now   func() time.Time

	mu    sync.Mutex
	state State
}

func (e *engine) init(db *store.DB, cache Cache, opts []Option) {
	if cache == nil {
		cache = nopCache{}
	}
	e.db, e.cache, e.now = db, cache, time.Now
	for _, opt := range opts {
		opt(e)
	}
}

// State reports where the mutation is in its lifecycle.
func (e *engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Constructed {
		return ErrAlreadyCommitted
	}
	e.state = Committing
	return nil
}

func (e *engine) finish(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = Failed
	} else {
		e.state = Committed
	}
	return err
}

// Create writes a new event. When Busytime is nil one is derived from the
// event with a fresh id.
type Create struct {
	engine

	Event         model.Event
	Busytime      *model.Busytime
	IcalComponent *model.IcalComponent

	written model.Busytime
	alarms  []model.Alarm
}

// NewCreate prepares a Create. bt and comp are optional.
func NewCreate(db *store.DB, cache Cache, ev model.Event, bt *model.Busytime, comp *model.IcalComponent, opts ...Option) *Create {
	c := &Create{Event: ev, Busytime: bt, IcalComponent: comp}
	c.init(db, cache, opts)
	return c
}

// Commit runs the mutation once.
func (c *Create) Commit(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	return c.finish(c.commit(ctx))
}

// WrittenBusytime is the busytime persisted by a successful commit.
func (c *Create) WrittenBusytime() model.Busytime {
	return c.written
}

// Alarms are the alarm records persisted by the commit, ids assigned.
func (c *Create) Alarms() []model.Alarm {
	return c.alarms
}

func (c *Create) commit(ctx context.Context) error {
	if c.Event.ID == "" {
		return errors.New("mutation: event id is required")
	}

	bt := model.NewBusytime(c.Event)
	if c.Busytime != nil {
		bt = *c.Busytime
		bt.EventID = c.Event.ID
		if bt.ID == "" {
			bt.ID = model.NewBusytime(c.Event).ID
		}
		if bt.CalendarID == "" {
			bt.CalendarID = c.Event.CalendarID
		}
	}

	tx, err := c.db.Transaction(ctx, store.ReadWrite, store.StoreEvents, store.StoreBusytimes, store.StoreIcalComponents)
	if err != nil {
		return err
	}
	if err := c.writePrimary(ctx, tx, bt); err != nil {
		_ = tx.Rollback()
		return err
	}

	c.cache.CacheEvent(c.Event)
	c.cache.CacheBusytime(bt)

	if err := tx.Commit(); err != nil {
		return err
	}
	c.written = bt

	appLog.Debug("mutation committed event", "event", c.Event.ID, "busytime", bt.ID)

	if err := c.writeAlarms(ctx, bt); err != nil {
		appLog.Error("mutation alarm write failed", err, "event", c.Event.ID, "busytime", bt.ID)
		return fmt.Errorf("%w: %w", ErrAlarmsNotPersisted, err)
	}
	return nil
}

func (c *Create) writePrimary(ctx context.Context, tx *store.Tx, bt model.Busytime) error {
	if err := c.db.Events().Persist(ctx, tx, c.Event); err != nil {
		return err
	}
	if err := c.db.Busytimes().Persist(ctx, tx, bt); err != nil {
		return err
	}
	if c.IcalComponent != nil {
		comp := *c.IcalComponent
		comp.EventID = c.Event.ID
		if err := c.db.IcalComponents().Persist(ctx, tx, comp); err != nil {
			return err
		}
	}
	return nil
}

// writeAlarms derives one alarm per trigger and persists those still due.
func (c *Create) writeAlarms(ctx context.Context, bt model.Busytime) error {
	nowMS := c.now().UnixMilli()

	var due []model.Alarm
	for _, trig := range c.Event.Remote.Alarms {
		alarm := model.Alarm{
			EventID:    c.Event.ID,
			BusytimeID: bt.ID,
			StartDate: model.DateTime{
				UTC:    bt.Start.UTC + trig.Trigger*1000,
				Offset: bt.Start.Offset,
				TZID:   bt.Start.TZID,
			},
			Trigger: trig.Trigger,
		}
		if alarm.StartDate.UTC < nowMS || bt.End.UTC < nowMS {
			appLog.Debug("mutation alarm past due, skipped", "event", c.Event.ID, "trigger", trig.Trigger)
			continue
		}
		due = append(due, alarm)
	}
	if len(due) == 0 {
		return nil
	}

	tx, err := c.db.Transaction(ctx, store.ReadWrite, store.StoreAlarms)
	if err != nil {
		return err
	}
	persisted := make([]model.Alarm, 0, len(due))
	for _, alarm := range due {
		stored, err := c.db.Alarms().Persist(ctx, tx, alarm)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		persisted = append(persisted, stored)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.alarms = persisted
	return nil
}

// Update rewrites an existing event. All prior busytimes of the event and
// their alarms are removed first, so observers see a change even when the
// times are numerically unchanged.
type Update struct {
	Create
}

// NewUpdate prepares an Update. bt and comp are optional.
func NewUpdate(db *store.DB, cache Cache, ev model.Event, bt *model.Busytime, comp *model.IcalComponent, opts ...Option) *Update {
	u := &Update{Create: Create{Event: ev, Busytime: bt, IcalComponent: comp}}
	u.init(db, cache, opts)
	return u
}

// Commit runs the mutation once.
func (u *Update) Commit(ctx context.Context) error {
	if err := u.begin(); err != nil {
		return err
	}
	if _, err := u.db.Busytimes().RemoveEvent(ctx, nil, u.Event.ID); err != nil {
		return u.finish(fmt.Errorf("remove busytimes of %s: %w", u.Event.ID, err))
	}
	if c, ok := u.cache.(uncacher); ok {
		c.Uncache(u.Event.ID)
	}
	return u.finish(u.commit(ctx))
}

// Remove deletes an event with its busytimes, alarms and ical component
// and drops it from cache when the cache supports that.
func Remove(ctx context.Context, db *store.DB, cache Cache, eventID string) error {
	if err := db.Events().RemoveCascade(ctx, nil, eventID); err != nil {
		return err
	}
	if u, ok := cache.(uncacher); ok {
		u.Uncache(eventID)
	}
	appLog.Debug("mutation removed event", "event", eventID)
	return nil
}
