package schedule

import (
	"errors"
	"time"
)

var (
	// ErrInvalidSchedule rejects bad configuration at creation/update time.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNotFound is returned for operations on unknown schedule ids.
	ErrNotFound = errors.New("schedule not found")
)

// JobDescriptor names the unit of work a schedule triggers.
type JobDescriptor struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Config is one active schedule.
//
// NextRun is always the earliest instant strictly after the last
// evaluation point satisfying the cron expression in the schedule's
// timezone, or nil while disabled. LastRun/NextRun are mutated only by
// the scheduler loop after firing or by explicit update.
type Config struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	CronExpr          string        `json:"cron"`
	Timezone          string        `json:"timezone,omitempty"`
	Job               JobDescriptor `json:"job"`
	Enabled           bool          `json:"enabled"`
	MaxConcurrentRuns int           `json:"max_concurrent_runs,omitempty"` // 0 = uncapped
	LastRun           *time.Time    `json:"last_run,omitempty"`
	NextRun           *time.Time    `json:"next_run,omitempty"`
}

// Update is a partial change to a schedule. Nil fields are untouched.
type Update struct {
	Name              *string
	CronExpr          *string
	Timezone          *string
	Job               *JobDescriptor
	Enabled           *bool
	MaxConcurrentRuns *int
}
