package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "herald/pkg/logx"
)

// Store is the durable collaborator behind the schedule registry, the
// deferred dispatch poller, and dispatch auditing.
type Store interface {
	SaveSchedule(ctx context.Context, rec ScheduleRecord) error
	DeleteSchedule(ctx context.Context, id string) error
	LoadSchedules(ctx context.Context) ([]ScheduleRecord, error)

	SaveScheduledDispatch(ctx context.Context, sd ScheduledDispatch) error
	DueScheduledDispatches(ctx context.Context, now time.Time, limit int) ([]ScheduledDispatch, error)
	DeleteScheduledDispatch(ctx context.Context, id string) error

	AppendDispatchRecord(ctx context.Context, rec DispatchRecord) error
	PruneDispatchRecords(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
