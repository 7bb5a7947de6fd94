package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
)

var (
	// ErrEmptyInput is returned for blank ICS input.
	ErrEmptyInput = errors.New("empty input")

	// ErrMalformed is returned when the VCALENDAR envelope cannot be parsed.
	ErrMalformed = errors.New("malformed calendar")

	// ErrNoEvents is returned by ParseEvent when the input has no VEVENT.
	ErrNoEvents = errors.New("no VEVENT in input")
)

// ParsedAlarm is a DISPLAY VALARM before it is bound to an occurrence.
type ParsedAlarm struct {
	Action string

	// Exactly one of Offset / At is meaningful.
	Offset     time.Duration // relative trigger
	RelatedEnd bool          // Offset is relative to the end, not the start
	At         *time.Time    // absolute trigger (VALUE=DATE-TIME)
}

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start   time.Time
	End     time.Time
	AllDay  bool
	StartTZ string

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone
	IsOverride bool       // true if this VEVENT is an override for a recurring instance

	Alarms []ParsedAlarm
}

// Calendar is a parsed VCALENDAR: its events in document order plus the
// text they came from.
type Calendar struct {
	Raw    string
	Events []ParsedEvent
}

// ParseICS parses an ICS payload. A bare VEVENT without a VCALENDAR
// envelope is accepted. A VEVENT that cannot be normalized (no UID, no
// DTSTART) is logged and skipped; an unparseable envelope is an error.
func ParseICS(body []byte) (*Calendar, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, ErrEmptyInput
	}
	text = envelope(text)
	if !strings.Contains(strings.ToUpper(text), "END:VCALENDAR") {
		return nil, fmt.Errorf("%w: missing END:VCALENDAR", ErrMalformed)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader([]byte(text)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := &Calendar{Raw: text}
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr)
			continue
		}
		out.Events = append(out.Events, ev)
	}

	appLog.Debug("ics parse completed", "event_count", len(out.Events))
	return out, nil
}

// envelope wraps a bare VEVENT in a minimal VCALENDAR.
func envelope(text string) string {
	upper := strings.ToUpper(text)
	if strings.HasPrefix(upper, "BEGIN:VCALENDAR") || !strings.HasPrefix(upper, "BEGIN:VEVENT") {
		return text
	}
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calsync//EN\r\n" + text + "\r\nEND:VCALENDAR\r\n"
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil {
		return out, fmt.Errorf("%s: missing DTSTART", out.UID)
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("%s: DTSTART: %w", out.UID, err)
	}
	out.Start = start

	// VALUE=DATE or no 'T' in the value -> all-day
	if v := param(dtStartProp, "VALUE"); strings.EqualFold(v, "DATE") || !strings.Contains(dtStartProp.Value, "T") {
		out.AllDay = true
	}
	out.StartTZ = param(dtStartProp, "TZID")

	out.End, err = ve.GetEndAt()
	if err != nil || out.End.IsZero() {
		out.End = fallbackEnd(ve, out.Start, out.AllDay)
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// EXDATE can appear multiple times, each with a comma separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, param(p, "TZID"), out.Start.Location()); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		if t, err := parseICSTime(ridProp.Value, param(ridProp, "TZID"), out.Start.Location()); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	out.Alarms = parseAlarms(ve, out.Start.Location())

	return out, nil
}

// fallbackEnd derives the end from DURATION, else a zero-length event
// (one day for all-day events).
func fallbackEnd(ve *ical.VEvent, start time.Time, allDay bool) time.Time {
	if p := ve.GetProperty("DURATION"); p != nil {
		if d, err := ParseDuration(p.Value); err == nil {
			return start.Add(d)
		}
	}
	if allDay {
		return start.AddDate(0, 0, 1)
	}
	return start
}

// parseAlarms collects DISPLAY alarms. Other actions (EMAIL, AUDIO) are
// kept in the raw component but are not scheduled here.
func parseAlarms(ve *ical.VEvent, loc *time.Location) []ParsedAlarm {
	var out []ParsedAlarm
	for _, comp := range ve.Components {
		alarm, ok := comp.(*ical.VAlarm)
		if !ok {
			continue
		}

		action := ""
		if p := alarm.GetProperty("ACTION"); p != nil {
			action = strings.ToUpper(strings.TrimSpace(p.Value))
		}
		if action != "DISPLAY" {
			continue
		}

		for _, trig := range alarm.GetProperties("TRIGGER") {
			pa, err := parseTrigger(trig, loc)
			if err != nil {
				appLog.Debug("ics alarm trigger skipped", "value", trig.Value, "err", err)
				continue
			}
			pa.Action = action
			out = append(out, pa)
		}
	}
	return out
}

func parseTrigger(p *ical.IANAProperty, loc *time.Location) (ParsedAlarm, error) {
	v := strings.TrimSpace(p.Value)
	if strings.EqualFold(param(p, "VALUE"), "DATE-TIME") || !strings.HasPrefix(strings.TrimLeft(strings.ToUpper(v), "+-"), "P") {
		t, err := parseICSTime(v, param(p, "TZID"), loc)
		if err != nil {
			return ParsedAlarm{}, err
		}
		return ParsedAlarm{At: &t}, nil
	}

	d, err := ParseDuration(v)
	if err != nil {
		return ParsedAlarm{}, err
	}
	return ParsedAlarm{
		Offset:     d,
		RelatedEnd: strings.EqualFold(param(p, "RELATED"), "END"),
	}, nil
}

var durationRE = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseDuration parses an RFC5545 DURATION value such as "-PT30M",
// "P1DT2H" or "P2W".
func ParseDuration(v string) (time.Duration, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	m := durationRE.FindStringSubmatch(v)
	if m == nil || v == "P" || v == "-P" || v == "+P" || strings.HasSuffix(v, "T") {
		return 0, fmt.Errorf("invalid duration %q", v)
	}

	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// parseICSTime parses a DATE or DATE-TIME value. tzid, when set and
// loadable, wins; floating values land in fallback.
func parseICSTime(v, tzid string, fallback *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if fallback == nil {
		fallback = time.Local
	}

	loc := fallback
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}
