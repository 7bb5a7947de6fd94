// Package scheduler runs account syncs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calsync/internal/log"
)

// Syncer is implemented by *provider.Registry.
type Syncer interface {
	SyncAll(ctx context.Context) error
}

// Scheduler triggers Syncer.SyncAll on a standard five-field cron expression.
// Runs never overlap; a tick that fires while a sync is still going is
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	syncer  Syncer
	timeout time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
}

// New parses schedule in the given location. timeout bounds a single run; zero
// means no bound.
func New(schedule string, loc *time.Location, syncer Syncer, timeout time.Duration) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		syncer:  syncer,
		timeout: timeout,
		ctx:     context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is cancelled. When
// syncNow is set one sync runs immediately.
func (s *Scheduler) Run(ctx context.Context, syncNow bool) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if syncNow {
		go s.tick()
	}
	s.cron.Start()
	appLog.Info("scheduler started", "next", s.Next())

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	appLog.Info("scheduler stopped")
}

// Next returns the next scheduled run, or the zero time before Run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce performs a sync unless one is already in flight, in which case it
// returns false.
func (s *Scheduler) RunOnce(ctx context.Context) (ran bool, err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false, nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	err = s.syncer.SyncAll(ctx)
	appLog.Info("scheduled sync finished", "took", time.Since(started).Round(time.Millisecond).String(), "ok", err == nil)
	return true, err
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	ran, err := s.RunOnce(ctx)
	if !ran {
		appLog.Debug("scheduled sync skipped, previous run still active")
		return
	}
	if err != nil {
		appLog.Error("scheduled sync failed", err)
	}
}
