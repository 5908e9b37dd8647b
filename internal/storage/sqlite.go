package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

func (s *sqliteStore) SaveSchedule(ctx context.Context, rec ScheduleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, timezone, job_type, params_json, enabled, max_runs, last_run, next_run, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			job_type = excluded.job_type,
			params_json = excluded.params_json,
			enabled = excluded.enabled,
			max_runs = excluded.max_runs,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.CronExpr, rec.Timezone, rec.JobType, rec.ParamsJSON,
		boolToInt(rec.Enabled), rec.MaxConcurrentRuns,
		unixOrNil(rec.LastRun), unixOrNil(rec.NextRun), rec.UpdatedAt.Unix())
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) LoadSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, timezone, job_type, params_json, enabled, max_runs, last_run, next_run, updated_at
		FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleRecord
	for rows.Next() {
		var (
			rec              ScheduleRecord
			enabled          int
			lastRun, nextRun sql.NullInt64
			updatedAt        int64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.CronExpr, &rec.Timezone, &rec.JobType,
			&rec.ParamsJSON, &enabled, &rec.MaxConcurrentRuns, &lastRun, &nextRun, &updatedAt); err != nil {
			return nil, err
		}
		rec.Enabled = enabled != 0
		rec.LastRun = timeOrNil(lastRun)
		rec.NextRun = timeOrNil(nextRun)
		rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- deferred dispatches ----

func (s *sqliteStore) SaveScheduledDispatch(ctx context.Context, sd ScheduledDispatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_dispatches (id, request_json, scheduled_for, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request_json = excluded.request_json,
			scheduled_for = excluded.scheduled_for`,
		sd.ID, sd.RequestJSON, sd.ScheduledFor.Unix(), sd.CreatedAt.Unix())
	return err
}

func (s *sqliteStore) DueScheduledDispatches(ctx context.Context, now time.Time, limit int) ([]ScheduledDispatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_json, scheduled_for, created_at
		FROM scheduled_dispatches
		WHERE scheduled_for <= ?
		ORDER BY scheduled_for
		LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledDispatch
	for rows.Next() {
		var (
			sd                ScheduledDispatch
			schedFor, created int64
		)
		if err := rows.Scan(&sd.ID, &sd.RequestJSON, &schedFor, &created); err != nil {
			return nil, err
		}
		sd.ScheduledFor = time.Unix(schedFor, 0).UTC()
		sd.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, sd)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteScheduledDispatch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_dispatches WHERE id = ?`, id)
	return err
}

// ---- dispatch audit ----

func (s *sqliteStore) AppendDispatchRecord(ctx context.Context, rec DispatchRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_records (request_id, type, category, severity, title, total, succeeded, failed, success, error, took_ms, at, outcomes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Type, rec.Category, rec.Severity, rec.Title,
		rec.Total, rec.Succeeded, rec.Failed, boolToInt(rec.Success),
		rec.Error, rec.TookMS, at.Unix(), rec.OutcomesJSON)
	return err
}

func (s *sqliteStore) PruneDispatchRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_records WHERE at < ?`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
