// Package scheduler provides named recurring timers for background
// maintenance such as the proactive credential refresh.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]chan struct{}
	log  *slog.Logger
}

func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs: make(map[string]chan struct{}),
		log:  log.With(slog.String("item", "Scheduler")),
	}
}

// ScheduleRecurring fires fn every interval until the schedule is
// stopped. Scheduling a name again replaces the previous schedule.
func (s *Scheduler) ScheduleRecurring(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	if done, ok := s.jobs[name]; ok {
		close(done)
	}
	done := make(chan struct{})
	s.jobs[name] = done
	s.mu.Unlock()

	s.log.Info("Schedule installed",
		slog.String("name", name), slog.Duration("interval", interval))

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-done:
				return
			case <-t.C:
				s.run(name, fn)
			}
		}
	}()
}

func (s *Scheduler) Stop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if done, ok := s.jobs[name]; ok {
		close(done)
		delete(s.jobs, name)
	}
}

func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, done := range s.jobs {
		close(done)
		delete(s.jobs, name)
	}
}

func (s *Scheduler) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Schedule callback panicked",
				slog.String("name", name), slog.Any("panic", r))
		}
	}()

	fn()
}
