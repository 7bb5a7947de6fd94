package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 100
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound recurring series. A zero RangeStart keeps
	// occurrences from the series start; a zero RangeEnd leaves the cap as
	// the only bound. Non-recurring events are never filtered.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete instance of a VEVENT.
type Occurrence struct {
	// Event is the master or, for a rescheduled instance, the override.
	Event ParsedEvent
	Start time.Time
	End   time.Time

	// RecurrenceID is the instance's original start; nil when the event
	// does not recur.
	RecurrenceID *time.Time
}

// Series groups every occurrence sharing a UID.
type Series struct {
	UID         string
	Master      ParsedEvent
	Recurring   bool
	Occurrences []Occurrence
}

// ExpandResult wraps the expanded series and optionally information about
// truncation.
type ExpandResult struct {
	// Series is in document order of each UID's first VEVENT.
	Series []Series
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences takes a list of ParsedEvent and expands them into
// concrete occurrences. It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence (DAILY/WEEKLY/MONTHLY/YEARLY, etc.)
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//   - All-day semantics
//
// Occurrences within a series are chronological and never share a start.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if !cfg.RangeStart.IsZero() && !cfg.RangeEnd.IsZero() && cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group masters and overrides by UID, remembering document order.
	var order []string
	masters := make(map[string]*ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	seen := make(map[string]bool)

	for i := range events {
		ev := events[i]
		if !seen[ev.UID] {
			seen[ev.UID] = true
			order = append(order, ev.UID)
		}
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if masters[ev.UID] != nil {
			appLog.Debug("expand: duplicate master ignored", "uid", ev.UID)
			continue
		}
		masters[ev.UID] = &ev
	}

	for _, uid := range order {
		ov := overridesByUID[uid]
		master := masters[uid]

		var s Series
		switch {
		case master == nil:
			// Instances published without their master.
			s = orphanSeries(uid, ov)
		case master.RawRRule == "":
			s = Series{UID: uid, Master: *master, Occurrences: []Occurrence{
				{Event: *master, Start: master.Start, End: master.End},
			}}
		default:
			occ, hitCap := expandRecurringEvent(*master, ov, cfg)
			s = Series{UID: uid, Master: *master, Recurring: true, Occurrences: occ}
			if hitCap {
				result.TruncatedEvents = append(result.TruncatedEvents, uid)
				appLog.Error("expand: truncated occurrences for UID due to cap",
					errors.New("max occurrences reached"),
					"uid", uid,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
		}

		s.Occurrences = sortUnique(s.Occurrences)
		result.Series = append(result.Series, s)
	}

	return result, nil
}

func orphanSeries(uid string, overrides []ParsedEvent) Series {
	s := Series{UID: uid, Master: overrides[0], Recurring: true}
	for _, o := range overrides {
		rid := *o.Recurrence
		s.Occurrences = append(s.Occurrences, Occurrence{Event: o, Start: o.Start, End: o.End, RecurrenceID: &rid})
	}
	return s
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)

	// Create base rule from RawRRule.
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return []Occurrence{{Event: ev, Start: ev.Start, End: ev.End}}, false
	}

	// Ensure Dtstart is set to the event's DTSTART.
	r.DTStart(ev.Start)

	// Build a set so we can apply EXDATE.
	var set rrule.Set
	set.RRule(r)

	for _, ex := range ev.ExDates {
		// Best effort: align EXDATE location with event's start.
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	next := set.Iterator()
	for {
		occStart, ok := next()
		if !ok {
			return out, false
		}
		if !cfg.RangeEnd.IsZero() && occStart.After(cfg.RangeEnd) {
			return out, false
		}
		occEnd := occStart.Add(dur)
		if ev.AllDay {
			// Calendar days, not 24h blocks, across DST changes.
			occEnd = occStart.AddDate(0, 0, int(dur.Round(24*time.Hour)/(24*time.Hour)))
		}
		if !cfg.RangeStart.IsZero() && occEnd.Before(cfg.RangeStart) {
			continue
		}
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			return out, true
		}

		rid := occStart
		occ := Occurrence{Event: ev, Start: occStart, End: occEnd, RecurrenceID: &rid}

		// Apply override if any.
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			occ.Event = o
			occ.Start = o.Start
			occ.End = o.End
		}

		out = append(out, occ)
	}
}

// findOverrideForStart finds an override event whose RECURRENCE-ID matches
// the given instance start with exact time equality.
func findOverrideForStart(overrides []ParsedEvent, instanceStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(instanceStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

// sortUnique orders occurrences by start and keeps the first of any that
// share one (an override moved onto another instance's slot).
func sortUnique(occ []Occurrence) []Occurrence {
	sort.SliceStable(occ, func(i, j int) bool { return occ[i].Start.Before(occ[j].Start) })
	out := occ[:0]
	for i, o := range occ {
		if i > 0 && o.Start.Equal(out[len(out)-1].Start) {
			continue
		}
		out = append(out, o)
	}
	return out
}
