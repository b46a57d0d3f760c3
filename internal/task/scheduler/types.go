package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"lotwatch/internal/model"
	"lotwatch/internal/task/engine"
)

var (
	// ErrMisfireSkipped is recorded (never returned to callers) when an occurrence
	// was later than the job's misfire grace.
	ErrMisfireSkipped = errors.New("scheduled occurrence skipped: beyond misfire grace")

	ErrInvalidJob = errors.New("invalid job")
)

// Outcome values stored in JobState.LastOutcome.
const (
	OutcomeFired          = "fired"
	OutcomeMisfireFired   = "misfire_fired"
	OutcomeMisfireSkipped = "misfire_skipped"
	OutcomeCoalesced      = "coalesced"
	OutcomeError          = "error"
)

const (
	defaultCheckInterval = 30 * time.Second

	// fireTolerance is how late a timer wake may be and still count as on time.
	fireTolerance = time.Second

	// maxCatchup bounds the walk over missed occurrences after a long outage.
	maxCatchup = 10000
)

// Config controls the scheduler service.
type Config struct {
	Enabled bool
	// CheckInterval caps how long the loop sleeps between wall-clock checks.
	// Monotonic timers stall while the host is suspended, so the loop re-reads
	// the clock at least this often.
	CheckInterval time.Duration
}

type Handler func(ctx context.Context) error

// Job is one registered trigger. Registering the same ID again replaces it.
type Job struct {
	ID           string
	Trigger      Trigger
	MisfireGrace time.Duration
	Handler      Handler
	// Guard, when set, is shared with other callers of the same work so a
	// fire while they hold it is coalesced. The handler runs with it held.
	Guard *engine.RunState
}

// StateStore persists job state across restarts. storage.Store implements it.
type StateStore interface {
	GetJob(ctx context.Context, id string) (model.JobState, bool, error)
	PutJob(ctx context.Context, st model.JobState) error
	DeleteJob(ctx context.Context, id string) error
}

type entry struct {
	job     Job
	spec    string
	sched   cron.Schedule
	next    time.Time
	last    time.Time
	outcome string
	state   *engine.RunState
}

func (e *entry) record(now time.Time) model.JobState {
	return model.JobState{
		ID:          e.job.ID,
		Trigger:     e.spec,
		NextFireAt:  e.next,
		LastFireAt:  e.last,
		LastOutcome: e.outcome,
		UpdatedAt:   now,
	}
}

// decision is the evaluation result for one due job.
type decision struct {
	id       string
	nominal  time.Time
	lateness time.Duration
	missed   int
	outcome  string
	next     time.Time
	handler  Handler
	state    *engine.RunState
}

func (d decision) fires() bool {
	return d.outcome == OutcomeFired || d.outcome == OutcomeMisfireFired
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	ID           string        `json:"id"`
	Trigger      string        `json:"trigger"`
	MisfireGrace time.Duration `json:"misfire_grace"`
	NextFireAt   time.Time     `json:"next_fire_at"`
	LastFireAt   time.Time     `json:"last_fire_at,omitempty"`
	LastOutcome  string        `json:"last_outcome,omitempty"`
	Running      bool          `json:"running"`
}

// FireEvent is published on the event bus for every evaluated occurrence.
type FireEvent struct {
	JobID    string        `json:"job_id"`
	Outcome  string        `json:"outcome"`
	Nominal  time.Time     `json:"nominal"`
	Lateness time.Duration `json:"lateness"`
	Next     time.Time     `json:"next"`
}

type Option func(*Service)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// wallNow strips the monotonic reading so time spent suspended shows up as lateness.
func wallNow() time.Time { return time.Now().Round(0) }
