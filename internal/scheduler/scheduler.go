// Package scheduler fires a batch once a day at a wall-clock time.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"listing-batch/internal/events"
)

const (
	DefaultPoll = 30 * time.Second
	// DuplicateWindow suppresses a second fire this soon after the last start.
	DuplicateWindow = time.Hour
)

var (
	ErrAlreadyRunning = errors.New("a scheduled run is still in progress")
	ErrDuplicateFire  = errors.New("run started less than an hour ago")
)

// Scheduler polls the clock and calls Trigger when it reads DailyTime. It
// keeps no state on disk.
type Scheduler struct {
	// DailyTime is read on every poll so schedule edits apply without restart.
	DailyTime func() string
	Trigger   func(ctx context.Context) error
	Now       func() time.Time
	Poll      time.Duration
	Bus       *events.Bus

	mu        sync.Mutex
	running   bool
	lastStart time.Time
	wg        sync.WaitGroup
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) poll() time.Duration {
	if s.Poll > 0 {
		return s.Poll
	}
	return DefaultPoll
}

// Running reports whether a triggered run has not returned yet.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastStart is the start time of the most recent fire.
func (s *Scheduler) LastStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStart
}

// Start polls until ctx ends, then waits for an in-flight run to return.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.Trigger == nil || s.DailyTime == nil {
		return errors.New("scheduler needs a trigger and a daily time")
	}
	ticker := time.NewTicker(s.poll())
	defer ticker.Stop()
	defer s.wg.Wait()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	at := s.now()
	want := strings.TrimSpace(s.DailyTime())
	if at.Format("15:04") != want {
		return
	}
	if err := s.begin(at); err != nil {
		s.skip(at, err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, "daily "+want)
	}()
}

// RunImmediate fires now, under the same guards as the daily fire, and
// returns the trigger's error.
func (s *Scheduler) RunImmediate(ctx context.Context) error {
	at := s.now()
	if err := s.begin(at); err != nil {
		s.skip(at, err)
		return err
	}
	return s.run(ctx, "immediate")
}

func (s *Scheduler) begin(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if !s.lastStart.IsZero() && at.Sub(s.lastStart) < DuplicateWindow && at.Sub(s.lastStart) >= 0 {
		return ErrDuplicateFire
	}
	s.running = true
	s.lastStart = at
	return nil
}

func (s *Scheduler) run(ctx context.Context, source string) error {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	s.Bus.Emit(events.Event{Kind: events.SchedulerFire, Message: source})
	err := s.Trigger(ctx)
	if err != nil {
		s.Bus.Emit(events.Event{Kind: events.SchedulerFire, Reason: "error", Message: source + ": " + err.Error()})
	}
	return err
}

func (s *Scheduler) skip(at time.Time, err error) {
	s.Bus.Emit(events.Event{Kind: events.SchedulerSkip, Message: err.Error(),
		Fields: map[string]any{"at": at.Format(time.RFC3339)}})
}
