package model

import "time"

// JobState is the persisted record of one scheduled job.
// Trigger is the canonical trigger string; a mismatch on reload means
// the persisted NextFireAt is stale.
type JobState struct {
	ID          string
	Trigger     string
	NextFireAt  time.Time
	LastFireAt  time.Time
	LastOutcome string
	UpdatedAt   time.Time
}
