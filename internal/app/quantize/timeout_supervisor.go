package quantize

import (
	"context"
	"sync"
	"time"

	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

// DefaultTaskTimeout is the ceiling a task may stay active before it is
// failed locally.
const DefaultTaskTimeout = 5 * time.Minute

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time and timer scheduling so tests can fire timers
// deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// realClock is the production Clock.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// armedTimer identifies one arming of a task's ceiling so a late firing of a
// disarmed timer can be recognised.
type armedTimer struct {
	timer Timer
}

// TimeoutSupervisor keeps one ceiling timer per active task. When a timer
// fires the supplied callback dispatches a TimeoutEvent; whether that event
// changes anything is up to the reducer.
type TimeoutSupervisor struct {
	timeout time.Duration
	clock   Clock
	onFire  func(id string, after time.Duration)

	mu      sync.Mutex
	timers  map[string]*armedTimer
	stopped bool

	logger *logger.Logger
}

// NewTimeoutSupervisor creates a supervisor that calls onFire for tasks that
// stay armed longer than timeout. A non-positive timeout uses
// DefaultTaskTimeout.
func NewTimeoutSupervisor(
	timeout time.Duration,
	clock Clock,
	onFire func(id string, after time.Duration),
	logger *logger.Logger,
) *TimeoutSupervisor {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	if clock == nil {
		clock = realClock{}
	}
	return &TimeoutSupervisor{
		timeout: timeout,
		clock:   clock,
		onFire:  onFire,
		timers:  make(map[string]*armedTimer),
		logger:  logger.With("component", "timeout_supervisor"),
	}
}

// Timeout returns the configured ceiling.
func (s *TimeoutSupervisor) Timeout() time.Duration { return s.timeout }

// Arm starts the ceiling timer for id. Arming an armed id, or arming after
// Stop, is a no-op.
func (s *TimeoutSupervisor) Arm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.timers[id]; ok {
		return
	}

	entry := new(armedTimer)
	entry.timer = s.clock.AfterFunc(s.timeout, func() { s.fire(id, entry) })
	s.timers[id] = entry
}

// Disarm cancels the ceiling timer for id, if any.
func (s *TimeoutSupervisor) Disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.timers[id]; ok {
		entry.timer.Stop()
		delete(s.timers, id)
	}
}

// Armed reports whether id currently has a running timer.
func (s *TimeoutSupervisor) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Stop disarms every timer. Later calls to Arm are ignored.
func (s *TimeoutSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}

func (s *TimeoutSupervisor) fire(id string, entry *armedTimer) {
	s.mu.Lock()
	current, ok := s.timers[id]
	if !ok || current != entry {
		// Disarmed after the timer was already scheduled to run.
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	s.logger.Warn(context.Background(), "task ceiling reached", "task_id", id, "timeout", s.timeout.String())
	if s.onFire != nil {
		s.onFire(id, s.timeout)
	}
}
