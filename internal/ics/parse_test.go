package ics

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"-PT30M", -30 * time.Minute, true},
		{"PT15M", 15 * time.Minute, true},
		{"+PT1H30M", 90 * time.Minute, true},
		{"P1DT2H", 26 * time.Hour, true},
		{"-P1W", -7 * 24 * time.Hour, true},
		{"PT0S", 0, true},
		{"P", 0, false},
		{"PT", 0, false},
		{"30M", 0, false},
		{"-PT5X", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.ok && err != nil {
			t.Errorf("ParseDuration(%q) error: %v", tt.in, err)
			continue
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("ParseDuration(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseICS_AlarmsAndDefaults(t *testing.T) {
	src := `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:alarms@test
DTSTART:20300105T100000Z
DTEND:20300105T110000Z
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER;RELATED=END:-PT5M
END:VALARM
BEGIN:VALARM
ACTION:AUDIO
TRIGGER:-PT10M
END:VALARM
END:VEVENT
BEGIN:VEVENT
UID:allday@test
DTSTART;VALUE=DATE:20300106
SUMMARY:Holiday
END:VEVENT
BEGIN:VEVENT
SUMMARY:no uid
DTSTART:20300107T100000Z
END:VEVENT
END:VCALENDAR
`
	cal, err := ParseICS([]byte(src))
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	if len(cal.Events) != 2 {
		t.Fatalf("got %d events, want 2 (UID-less VEVENT skipped)", len(cal.Events))
	}

	ev := cal.Events[0]
	if len(ev.Alarms) != 1 {
		t.Fatalf("alarms = %+v, want only DISPLAY", ev.Alarms)
	}
	if a := ev.Alarms[0]; !a.RelatedEnd || a.Offset != -5*time.Minute || a.At != nil {
		t.Errorf("alarm = %+v", a)
	}

	occ := Occurrence{Event: ev, Start: ev.Start, End: ev.End}
	if got := alarmTriggers(ev.Alarms, occ); got[0].Trigger != 55*60 {
		t.Errorf("RELATED=END trigger = %d, want %d", got[0].Trigger, 55*60)
	}

	day := cal.Events[1]
	if !day.AllDay {
		t.Errorf("VALUE=DATE event not all-day")
	}
	if got := day.End.Sub(day.Start); got != 24*time.Hour {
		t.Errorf("all-day default length = %v, want 24h", got)
	}
}

func TestExpandOccurrences_ExDateAndOverrideCollision(t *testing.T) {
	src := `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:series@test
DTSTART:20300101T090000Z
DTEND:20300101T100000Z
RRULE:FREQ=DAILY;COUNT=4
EXDATE:20300102T090000Z
END:VEVENT
BEGIN:VEVENT
UID:series@test
RECURRENCE-ID:20300104T090000Z
DTSTART:20300103T090000Z
DTEND:20300103T100000Z
SUMMARY:moved onto the 3rd
END:VEVENT
END:VCALENDAR
`
	cal, err := ParseICS([]byte(src))
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	res, err := ExpandOccurrences(cal.Events, ExpandConfig{})
	if err != nil {
		t.Fatalf("ExpandOccurrences: %v", err)
	}
	if len(res.Series) != 1 {
		t.Fatalf("got %d series, want 1", len(res.Series))
	}

	occ := res.Series[0].Occurrences
	// Jan 1, Jan 3; Jan 2 excluded and Jan 4 moved onto Jan 3.
	if len(occ) != 2 {
		t.Fatalf("got %d occurrences, want 2: %+v", len(occ), occ)
	}
	if occ[0].Start.Day() != 1 || occ[1].Start.Day() != 3 {
		t.Errorf("starts = %v, %v", occ[0].Start, occ[1].Start)
	}
}

func TestExpandOccurrences_Truncation(t *testing.T) {
	events := []ParsedEvent{{
		UID:      "minutely@test",
		Start:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2030, 1, 1, 0, 1, 0, 0, time.UTC),
		RawRRule: "FREQ=MINUTELY",
	}}
	res, err := ExpandOccurrences(events, ExpandConfig{MaxOccurrencesPerEvent: 7})
	if err != nil {
		t.Fatalf("ExpandOccurrences: %v", err)
	}
	if n := len(res.Series[0].Occurrences); n != 7 {
		t.Errorf("got %d occurrences, want 7", n)
	}
	if len(res.TruncatedEvents) != 1 || res.TruncatedEvents[0] != "minutely@test" {
		t.Errorf("truncated = %v", res.TruncatedEvents)
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://calendar.example.com/private/abc123/basic.ics?token=x")
	if got != "https://calendar.example.com/...(redacted)" {
		t.Errorf("redactURL = %q", got)
	}
	if got := redactURL("not a url"); got != "ics://...(redacted)" {
		t.Errorf("redactURL(garbage) = %q", got)
	}
}
