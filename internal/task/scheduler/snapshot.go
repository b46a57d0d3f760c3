package scheduler

import (
	"sort"
	"time"
)

// Snapshot returns the registered jobs sorted by ID.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for id, e := range s.jobs {
		running, _ := e.state.Running()
		out = append(out, JobInfo{
			ID:           id,
			Trigger:      e.spec,
			MisfireGrace: e.job.MisfireGrace,
			NextFireAt:   e.next,
			LastFireAt:   e.last,
			LastOutcome:  e.outcome,
			Running:      running,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextFire reports the next scheduled occurrence of a job.
func (s *Service) NextFire(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}
