package daemon

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Scheduler provides a mechanism to execute a callback function repeatedly at a specified interval.
type Scheduler struct {
	settings schedulerSettings
	quit     chan struct{} // Channel for signaling termination.
	stopOnce sync.Once
	done     chan struct{} // Closed when schedule loop returns.
}

// Encapsulates the configuration options for a Scheduler.
type schedulerSettings struct {
	Callback        func()        // Function to be executed at each interval.
	Interval        time.Duration // Duration between callback executions.
	LaunchInitially bool          // Flag indicating whether to execute the callback immediately upon scheduling.
}

// ScheduleWithCtx launches a Scheduler with the provided settings.
//
// Launches a time.Ticker that signals the execution of the callback function at regular intervals.
// Callback runs are never concurrent: a tick arriving during a run is dropped.
// Returns an error only if invalid settings are provided (e.g., interval <= 0 or nil callback).
func (s *Scheduler) ScheduleWithCtx(ctx context.Context, settings schedulerSettings) error {
	if settings.Interval <= 0 {
		return errors.New("interval must be larger than 0")
	}
	if settings.Callback == nil {
		return errors.New("callback is nil")
	}

	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.settings = settings
	go s.runSchedule(ctx)
	return nil
}

func (s *Scheduler) runSchedule(ctx context.Context) {
	defer close(s.done)

	if s.settings.LaunchInitially {
		s.settings.Callback()
	}

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.settings.Callback()
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates Scheduler and waits for running callback to finish.
// It is safe to call Stop more than once or on never started Scheduler.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}

	s.stopOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}
