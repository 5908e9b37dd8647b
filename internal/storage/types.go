package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention bounds how long dispatch audit records are kept.
	// 0 keeps them forever.
	Retention time.Duration
}

// ScheduleRecord is the durable form of one schedule.
// Params are kept as raw JSON so the store stays schema-stable.
type ScheduleRecord struct {
	ID                string
	Name              string
	CronExpr          string
	Timezone          string
	JobType           string
	ParamsJSON        string
	Enabled           bool
	MaxConcurrentRuns int
	LastRun           *time.Time
	NextRun           *time.Time
	UpdatedAt         time.Time
}

// ScheduledDispatch is one deferred dispatch request awaiting its due time.
// The full request (including recipients) is serialized into RequestJSON.
type ScheduledDispatch struct {
	ID           string
	RequestJSON  string
	ScheduledFor time.Time
	CreatedAt    time.Time
}

// DispatchRecord is the audit row persisted after every completed dispatch.
// Keep it compact and schema-stable.
type DispatchRecord struct {
	RequestID    string
	Type         string
	Category     string
	Severity     string
	Title        string
	Total        int
	Succeeded    int
	Failed       int
	Success      bool
	Error        string
	TookMS       int64
	At           time.Time
	OutcomesJSON string
}
