package ics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Stream receives the output of an import. A push error aborts the import.
type Stream interface {
	PushEvent(ctx context.Context, ev model.Event) error
	PushComponent(ctx context.Context, c model.IcalComponent) error
}

// StreamFuncs adapts plain functions to Stream. Nil funcs discard.
type StreamFuncs struct {
	Event     func(ctx context.Context, ev model.Event) error
	Component func(ctx context.Context, c model.IcalComponent) error
}

func (s StreamFuncs) PushEvent(ctx context.Context, ev model.Event) error {
	if s.Event == nil {
		return nil
	}
	return s.Event(ctx, ev)
}

func (s StreamFuncs) PushComponent(ctx context.Context, c model.IcalComponent) error {
	if s.Component == nil {
		return nil
	}
	return s.Component(ctx, c)
}

// Collector is a Stream that records everything pushed to it.
type Collector struct {
	mu         sync.Mutex
	Events     []model.Event
	Components []model.IcalComponent
}

func (c *Collector) PushEvent(_ context.Context, ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, ev)
	return nil
}

func (c *Collector) PushComponent(_ context.Context, comp model.IcalComponent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Components = append(c.Components, comp)
	return nil
}

// Importer turns ICS text into occurrence events.
type Importer struct {
	// Now anchors the expansion horizon. Defaults to time.Now.
	Now func() time.Time
	// HorizonDays bounds recurring series to starts before Now+HorizonDays.
	HorizonDays int
	// ExpansionLimit caps occurrences per recurring series.
	ExpansionLimit int
}

// NewImporter returns an Importer with the given horizon and cap.
func NewImporter(horizonDays, expansionLimit int) *Importer {
	return &Importer{Now: time.Now, HorizonDays: horizonDays, ExpansionLimit: expansionLimit}
}

func (im *Importer) expandConfig() ExpandConfig {
	now := time.Now
	if im.Now != nil {
		now = im.Now
	}
	cfg := ExpandConfig{MaxOccurrencesPerEvent: im.ExpansionLimit}
	if im.HorizonDays > 0 {
		cfg.RangeEnd = now().AddDate(0, 0, im.HorizonDays)
	}
	return cfg
}

// ImportCalendar parses source and pushes one event per occurrence, then
// one IcalComponent per UID. Blank input returns ErrEmptyInput without
// touching stream. An error after some pushes leaves those pushes valid.
func (im *Importer) ImportCalendar(ctx context.Context, source, calendarID string, stream Stream) error {
	if strings.TrimSpace(source) == "" {
		return ErrEmptyInput
	}

	cal, err := ParseICS([]byte(source))
	if err != nil {
		return err
	}

	res, err := ExpandOccurrences(cal.Events, im.expandConfig())
	if err != nil {
		return err
	}

	pushed := 0
	for _, s := range res.Series {
		var last *model.DateTime
		for _, occ := range s.Occurrences {
			if err := ctx.Err(); err != nil {
				return err
			}
			ev := toEvent(calendarID, s, occ)
			if err := stream.PushEvent(ctx, ev); err != nil {
				return fmt.Errorf("push event %s: %w", s.UID, err)
			}
			if ev.Remote.RecurrenceID != nil {
				last = ev.Remote.RecurrenceID
			}
			pushed++
		}

		comp := model.IcalComponent{
			EventID:          s.UID,
			Ical:             cal.Raw,
			IsRecurring:      s.Recurring,
			LastRecurrenceID: last,
		}
		if err := stream.PushComponent(ctx, comp); err != nil {
			return fmt.Errorf("push component %s: %w", s.UID, err)
		}
	}

	appLog.Debug("ics import completed", "calendar", calendarID, "series", len(res.Series), "events", pushed)
	return nil
}

// ParseEvent parses the first VEVENT of text into its first occurrence.
// The returned event has no calendar id.
func ParseEvent(text string) (model.Event, error) {
	if strings.TrimSpace(text) == "" {
		return model.Event{}, ErrEmptyInput
	}
	cal, err := ParseICS([]byte(text))
	if err != nil {
		return model.Event{}, err
	}
	if len(cal.Events) == 0 {
		return model.Event{}, ErrNoEvents
	}

	ev := cal.Events[0]
	s := Series{UID: ev.UID, Master: ev, Recurring: ev.RawRRule != "" || ev.IsOverride}
	occ := Occurrence{Event: ev, Start: ev.Start, End: ev.End}
	switch {
	case ev.IsOverride:
		rid := *ev.Recurrence
		occ.RecurrenceID = &rid
	case s.Recurring:
		rid := ev.Start
		occ.RecurrenceID = &rid
	}
	return toEvent("", s, occ), nil
}

func toEvent(calendarID string, s Series, occ Occurrence) model.Event {
	src := occ.Event
	remote := model.Remote{
		Title:       src.Summary,
		Description: src.Description,
		Location:    src.Location,
		Start:       model.FromTime(occ.Start, src.AllDay),
		End:         model.FromTime(occ.End, src.AllDay),
		Alarms:      alarmTriggers(src.Alarms, occ),
		IsRecurring: s.Recurring,
		Sequence:    src.Seq,
	}
	if occ.RecurrenceID != nil {
		rid := model.FromTime(*occ.RecurrenceID, s.Master.AllDay)
		remote.RecurrenceID = &rid
	}
	return model.Event{ID: s.UID, CalendarID: calendarID, Remote: remote}
}

// alarmTriggers resolves alarms to seconds relative to the occurrence start.
func alarmTriggers(alarms []ParsedAlarm, occ Occurrence) []model.AlarmTrigger {
	out := make([]model.AlarmTrigger, 0, len(alarms))
	for _, a := range alarms {
		var secs int64
		switch {
		case a.At != nil:
			secs = int64(a.At.Sub(occ.Start) / time.Second)
		case a.RelatedEnd:
			secs = int64((occ.End.Sub(occ.Start) + a.Offset) / time.Second)
		default:
			secs = int64(a.Offset / time.Second)
		}
		out = append(out, model.AlarmTrigger{Action: a.Action, Trigger: secs})
	}
	return out
}
