// Package cache keeps recently written events and busytimes in memory and
// fans busytime changes out to subscribers.
package cache

import (
	"sort"
	"sync"

	"calsync/internal/model"
)

// Change describes one busytime update seen by the controller.
type Change struct {
	EventID  string          `json:"eventId"`
	Busytime *model.Busytime `json:"busytime,omitempty"`
	// Removed is set when every busytime of EventID was dropped.
	Removed bool `json:"removed,omitempty"`
}

// Controller is safe for concurrent use by any number of mutations.
type Controller struct {
	mu        sync.RWMutex
	events    map[string]model.Event
	busytimes map[string]map[string]model.Busytime // event id -> busytime id

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

func New() *Controller {
	return &Controller{
		events:    make(map[string]model.Event),
		busytimes: make(map[string]map[string]model.Busytime),
		subs:      make(map[int]func(Change)),
	}
}

func (c *Controller) CacheEvent(ev model.Event) {
	c.mu.Lock()
	c.events[ev.ID] = ev
	c.mu.Unlock()
}

func (c *Controller) CacheBusytime(bt model.Busytime) {
	c.mu.Lock()
	byID := c.busytimes[bt.EventID]
	if byID == nil {
		byID = make(map[string]model.Busytime)
		c.busytimes[bt.EventID] = byID
	}
	byID[bt.ID] = bt
	c.mu.Unlock()

	c.publish(Change{EventID: bt.EventID, Busytime: &bt})
}

// Uncache drops an event and all of its busytimes.
func (c *Controller) Uncache(eventID string) {
	c.mu.Lock()
	_, hadEvent := c.events[eventID]
	_, hadBusy := c.busytimes[eventID]
	delete(c.events, eventID)
	delete(c.busytimes, eventID)
	c.mu.Unlock()

	if hadEvent || hadBusy {
		c.publish(Change{EventID: eventID, Removed: true})
	}
}

func (c *Controller) Event(id string) (model.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev, ok := c.events[id]
	return ev, ok
}

// Busytimes returns the cached busytimes of an event ordered by start.
func (c *Controller) Busytimes(eventID string) []model.Busytime {
	c.mu.RLock()
	out := make([]model.Busytime, 0, len(c.busytimes[eventID]))
	for _, bt := range c.busytimes[eventID] {
		out = append(out, bt)
	}
	c.mu.RUnlock()
	sortBusytimes(out)
	return out
}

// BusytimesInRange returns cached busytimes overlapping [startUTC, endUTC).
func (c *Controller) BusytimesInRange(startUTC, endUTC int64) []model.Busytime {
	c.mu.RLock()
	var out []model.Busytime
	for _, byID := range c.busytimes {
		for _, bt := range byID {
			if bt.Start.UTC < endUTC && bt.End.UTC > startUTC {
				out = append(out, bt)
			}
		}
	}
	c.mu.RUnlock()
	sortBusytimes(out)
	return out
}

// Subscribe registers fn for every change. fn runs on the notifying
// goroutine and must not block. The returned func unsubscribes.
func (c *Controller) Subscribe(fn func(Change)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish(ch Change) {
	c.subMu.Lock()
	fns := make([]func(Change), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

func sortBusytimes(bts []model.Busytime) {
	sort.Slice(bts, func(i, j int) bool {
		if bts[i].Start.UTC != bts[j].Start.UTC {
			return bts[i].Start.UTC < bts[j].Start.UTC
		}
		return bts[i].ID < bts[j].ID
	})
}
