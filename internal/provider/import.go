package provider

import (
	"context"
	"errors"

	"calsync/internal/ics"
	"calsync/internal/model"
	"calsync/internal/mutation"
	"calsync/internal/store"
)

// EventID is the stored id of the event with the given UID in calendarID.
// UIDs are only unique within a feed, so the same UID imported into two
// calendars yields two events.
func EventID(calendarID, uid string) string {
	return calendarID + "-" + uid
}

// ImportResult summarizes one Import.
type ImportResult struct {
	// Events holds the stored event of each imported UID, keyed by the
	// stored event id (see EventID).
	Events map[string]model.Event
	// Busytimes counts the occurrences written.
	Busytimes int
	// AlarmGaps counts occurrences whose alarms could not be stored.
	AlarmGaps int
}

// Import writes every occurrence in source to calendarID. The first
// occurrence of each UID goes through an Update, which clears the busytimes
// of an earlier import; later occurrences are added with Create. Busytime
// ids derive from the occurrence, so a re-import writes the same ids.
// Stored event and component ids are namespaced with EventID.
func Import(ctx context.Context, db *store.DB, cache mutation.Cache, im *ics.Importer, source, calendarID string, opts ...mutation.Option) (ImportResult, error) {
	res := ImportResult{Events: make(map[string]model.Event)}

	commit := func(ctx context.Context, ev model.Event) error {
		ev.ID = EventID(calendarID, ev.ID)
		bt := model.OccurrenceBusytime(ev)
		var err error
		if master, ok := res.Events[ev.ID]; ok {
			// Keep the stored event as the series' first occurrence.
			master.Remote.Alarms = ev.Remote.Alarms
			err = mutation.NewCreate(db, cache, master, &bt, nil, opts...).Commit(ctx)
		} else {
			res.Events[ev.ID] = ev
			err = mutation.NewUpdate(db, cache, ev, &bt, nil, opts...).Commit(ctx)
		}
		if errors.Is(err, mutation.ErrAlarmsNotPersisted) {
			res.AlarmGaps++
			err = nil
		}
		if err == nil {
			res.Busytimes++
		}
		return err
	}
	stream := ics.StreamFuncs{
		Event: commit,
		Component: func(ctx context.Context, c model.IcalComponent) error {
			c.EventID = EventID(calendarID, c.EventID)
			return db.IcalComponents().Persist(ctx, nil, c)
		},
	}
	err := im.ImportCalendar(ctx, source, calendarID, stream)
	return res, err
}
