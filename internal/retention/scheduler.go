package retention

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler keeps one cancellable timer per item id.
// A callback runs at most once, and never after Cancel has returned true for it.
type Scheduler struct {
	clock  clockwork.Clock
	mu     sync.Mutex
	timers map[string]clockwork.Timer
}

// NewScheduler creates a scheduler driven by the given clock
func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		timers: make(map[string]clockwork.Timer),
	}
}

// Schedule arms a timer that calls fn after ttl.
// Re-scheduling an id replaces its previous timer.
func (s *Scheduler) Schedule(id string, ttl time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[id]; ok {
		old.Stop()
	}

	var timer clockwork.Timer
	timer = s.clock.AfterFunc(ttl, func() {
		s.mu.Lock()
		current, ok := s.timers[id]
		if !ok || current != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()

		fn()
	})
	s.timers[id] = timer
}

// Cancel stops the timer for id. It reports whether a pending timer was removed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.timers, id)
	return true
}

// Pending returns the number of armed timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
