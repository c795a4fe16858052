// Package debounce runs an action after a quiet period, collapsing repeated triggers into one.
package debounce

import (
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
}

// Scheduler holds at most one armed timer per key.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*entry
}

func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*entry)}
}

// Arm cancels any timer armed for key and schedules fn to run after d.
func (s *Scheduler) Arm(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}
	e := &entry{}
	e.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		// a superseded or cancelled timer can still reach here if Stop lost the race
		if s.timers[key] != e {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = e
}

// Cancel reports whether a timer was armed for key.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

func (s *Scheduler) Armed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Stop cancels every armed timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
}
