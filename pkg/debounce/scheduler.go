package debounce

import (
	"sync"
	"time"
)

// Scheduler runs a single goroutine that sleeps until the earliest
// wakeup recorded in its stash, then drains every ready task and runs
// it -- inline by default, or handed to pool if one is attached.
type Scheduler struct {
	name string
	pool chan func() // optional attached worker pool; nil runs inline

	mu    sync.Mutex
	stash *stash

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	running bool
}

// NewScheduler creates a Scheduler identified by name. If pool is
// non-nil, each ready task is offered to it with a non-blocking send
// and runs inline when pool cannot take it at that moment.
func NewScheduler(name string, pool chan func()) *Scheduler {
	s := &Scheduler{
		name:  name,
		pool:  pool,
		stash: newStash(),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	return s
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Start launches the scheduler goroutine. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.run()
}

// Add schedules task to fire at wakeup. If wakeup precedes the
// currently recorded earliest wakeup, the scheduler goroutine is
// signalled to recompute its sleep.
func (s *Scheduler) Add(task *Task, wakeup time.Time) {
	task.wakeupMs = wakeup.UnixMilli()

	s.mu.Lock()
	s.stash.add(task, nowMs())
	s.mu.Unlock()

	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Finish stops the scheduler goroutine. It does not wait for
// in-flight task execution beyond the current drain pass.
func (s *Scheduler) Finish() {
	select {
	case <-s.stop:
		// already closed
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		earliest, ok := s.stash.peep()
		s.mu.Unlock()

		var timer *time.Timer
		if ok {
			delay := time.Duration(earliest-nowMs()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			timer = time.NewTimer(delay)
		}

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerC(timer):
			s.drain()
		}
	}
}

// timerC returns t.C, or a nil channel (which blocks forever in a
// select) when no timer is armed -- the scheduler then waits purely
// on wake/stop until a task is added.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Scheduler) drain() {
	s.mu.Lock()
	ready := s.stash.next(nowMs())
	s.mu.Unlock()

	for _, task := range ready {
		if task.Cleared() {
			continue
		}
		s.runOne(task)
	}
}

func (s *Scheduler) runOne(task *Task) {
	if s.pool != nil {
		select {
		case s.pool <- task.run:
			return
		default:
		}
	}
	task.run()
}
