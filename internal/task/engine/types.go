// Package engine holds execution primitives shared by the scheduler and the cycle runner.
package engine

import (
	"errors"
	"sync"
	"time"
)

var ErrOverlapSkip = errors.New("task skipped due to overlap policy")

// RunState tracks whether a task is already in-flight.
// A second acquire while the first holder runs fails; callers treat that as
// a coalesced no-op instead of queueing.
type RunState struct {
	mu        sync.Mutex
	inflight  bool
	startedAt time.Time
}

// TryAcquire marks the task running. It returns false if it already is.
func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	s.startedAt = time.Now()
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.inflight = false
	s.startedAt = time.Time{}
	s.mu.Unlock()
}

// Running reports whether the task is in-flight and since when.
func (s *RunState) Running() (bool, time.Time) {
	if s == nil {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight, s.startedAt
}
