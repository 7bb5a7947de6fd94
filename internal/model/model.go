package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TZFloating marks a time that carries no zone of its own.
const TZFloating = "floating"

// DateTime is the transport form of a point in time: milliseconds since the
// epoch plus the zone offset it was expressed in.
type DateTime struct {
	UTC    int64  `json:"utc"`
	Offset int64  `json:"offset"`
	TZID   string `json:"tzid,omitempty"`
	IsDate bool   `json:"isDate,omitempty"`
}

// FromTime converts t into a DateTime. Times in time.Local are treated as
// floating since ICS parsing only lands there when no TZID was given.
func FromTime(t time.Time, allDay bool) DateTime {
	_, off := t.Zone()
	dt := DateTime{
		UTC:    t.UnixMilli(),
		Offset: int64(off) * 1000,
		IsDate: allDay,
	}
	switch loc := t.Location(); {
	case loc == time.Local:
		dt.TZID = TZFloating
	case loc == time.UTC:
		dt.TZID = "UTC"
	default:
		dt.TZID = loc.String()
	}
	return dt
}

// Time returns the instant in a fixed zone matching Offset.
func (d DateTime) Time() time.Time {
	loc := time.FixedZone(d.TZID, int(d.Offset/1000))
	return time.UnixMilli(d.UTC).In(loc)
}

// Add returns a copy shifted by the given number of seconds.
func (d DateTime) Add(seconds int64) DateTime {
	d.UTC += seconds * 1000
	return d
}

func (d DateTime) IsZero() bool {
	return d.UTC == 0 && d.Offset == 0 && d.TZID == ""
}

// AlarmTrigger is a reminder definition on an event, relative to the start
// of each occurrence.
type AlarmTrigger struct {
	Action  string `json:"action"`
	Trigger int64  `json:"trigger"` // seconds
}

// Remote is the provider-facing payload of an Event.
type Remote struct {
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	Location     string         `json:"location,omitempty"`
	Start        DateTime       `json:"start"`
	End          DateTime       `json:"end"`
	Alarms       []AlarmTrigger `json:"alarms"`
	IsRecurring  bool           `json:"isRecurring"`
	RecurrenceID *DateTime      `json:"recurrenceId,omitempty"`
	Sequence     int            `json:"sequence,omitempty"`
	SyncToken    string         `json:"syncToken,omitempty"`
	URL          string         `json:"url,omitempty"`
}

// Event is a logical calendar entry owned by a Calendar.
type Event struct {
	ID         string `json:"id"`
	CalendarID string `json:"calendarId"`
	Remote     Remote `json:"remote"`
}

// Busytime is one schedulable interval of an event.
type Busytime struct {
	ID           string    `json:"id"`
	EventID      string    `json:"eventId"`
	CalendarID   string    `json:"calendarId"`
	Start        DateTime  `json:"start"`
	End          DateTime  `json:"end"`
	RecurrenceID *DateTime `json:"recurrenceId,omitempty"`
}

// Alarm is a reminder bound to one busytime.
type Alarm struct {
	ID         int64    `json:"id,omitempty"`
	EventID    string   `json:"eventId"`
	BusytimeID string   `json:"busytimeId"`
	StartDate  DateTime `json:"startDate"`
	Trigger    int64    `json:"trigger"`
}

// IcalComponent keeps the raw markup an event was parsed from.
type IcalComponent struct {
	EventID          string    `json:"eventId"`
	Ical             string    `json:"ical"`
	IsRecurring      bool      `json:"isRecurring"`
	LastRecurrenceID *DateTime `json:"lastRecurrenceId,omitempty"`
}

// Account is a configured calendar backend.
type Account struct {
	ID           string `json:"id"`
	ProviderType string `json:"providerType"`
	Preset       string `json:"preset,omitempty"`
	User         string `json:"user,omitempty"`
	Password     string `json:"password,omitempty"`
	URL          string `json:"url,omitempty"`
	CalendarHome string `json:"calendarHome,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Calendar belongs to an Account and owns Events.
type Calendar struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"accountId"`
	Name          string    `json:"name,omitempty"`
	Color         string    `json:"color,omitempty"`
	SyncToken     string    `json:"syncToken,omitempty"`
	LastEventTime *DateTime `json:"lastEventTime,omitempty"`
}

// Setting is a named JSON value.
type Setting struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// Capabilities are the mutations a provider permits on an event.
type Capabilities struct {
	CanCreate bool `json:"canCreate"`
	CanUpdate bool `json:"canUpdate"`
	CanDelete bool `json:"canDelete"`
}

// BusytimeID joins an event id and a per-occurrence token.
func BusytimeID(eventID, token string) string {
	return eventID + "-" + token
}

// NewBusytime derives the single busytime of an event with a fresh id.
func NewBusytime(ev Event) Busytime {
	return Busytime{
		ID:           BusytimeID(ev.ID, uuid.NewString()),
		EventID:      ev.ID,
		CalendarID:   ev.CalendarID,
		Start:        ev.Remote.Start,
		End:          ev.Remote.End,
		RecurrenceID: ev.Remote.RecurrenceID,
	}
}

// OccurrenceBusytime derives a busytime whose id is stable for the
// occurrence, keyed on its recurrence id (or start when not recurring).
func OccurrenceBusytime(ev Event) Busytime {
	key := ev.Remote.Start.UTC
	if ev.Remote.RecurrenceID != nil {
		key = ev.Remote.RecurrenceID.UTC
	}
	bt := NewBusytime(ev)
	bt.ID = BusytimeID(ev.ID, strconv.FormatInt(key, 10))
	return bt
}
