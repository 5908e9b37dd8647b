package scheduler

import (
	"time"
)

const (
	defaultTickInterval = time.Minute
	defaultHistorySize  = 100
)

// Config controls the scheduler loop.
type Config struct {
	Enabled bool

	// TickInterval is how often the registry is scanned for due schedules.
	TickInterval time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// FireRecord is one schedule firing kept in the in-memory ring.
type FireRecord struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	JobType    string    `json:"job_type"`
	JobID      string    `json:"job_id,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Snapshot is the state exposed for diagnostics.
type Snapshot struct {
	Running  bool         `json:"running"`
	InFlight int          `json:"in_flight"`
	History  []FireRecord `json:"history"`
}
