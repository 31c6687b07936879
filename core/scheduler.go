package core

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/stephanme/pvcontrol/util"
)

// Scheduler periodically drives a task at a fixed interval. Per spec.md 4.F:
// a tick concurrently waits `interval` and runs the task, the next tick
// fires at the later of the two (a slow task never stacks, but a fast task
// never compresses the interval either). A panicking task is recovered and
// logged, not propagated, so the scheduler survives it.
type Scheduler struct {
	log      *util.Logger
	clk      clock.Clock
	interval time.Duration
	task     func()

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a Scheduler. Pass clock.New() in production and a
// clock.NewMock() in tests that need to control elapsed time deterministically.
func NewScheduler(name string, clk clock.Clock, interval time.Duration, task func()) *Scheduler {
	return &Scheduler{
		log:      util.NewLogger(name),
		clk:      clk,
		interval: interval,
		task:     task,
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		tickTimer := s.clk.Timer(s.interval)
		taskDone := make(chan struct{})
		go func() {
			defer close(taskDone)
			s.runTaskSafely()
		}()

		select {
		case <-s.stop:
			tickTimer.Stop()
			<-taskDone
			return
		case <-taskDone:
			// wait out the remainder of the interval before the next tick
			select {
			case <-tickTimer.C:
			case <-s.stop:
				tickTimer.Stop()
				return
			}
		case <-tickTimer.C:
			// interval elapsed before the task finished: wait for the task,
			// then start the next tick immediately (no compression, no
			// stacking).
			<-taskDone
		}
	}
}

func (s *Scheduler) runTaskSafely() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("scheduled task panicked: %v", r)
		}
	}()
	s.task()
}

// Stop signals the task loop to cease and waits for any in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stop
	done := s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

func (s *Scheduler) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
