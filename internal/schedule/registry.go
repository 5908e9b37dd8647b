// Package schedule owns the set of active schedules: CRUD with cron
// validation, next-run bookkeeping, and synchronous write-through to the
// store so the in-memory view never runs ahead of durable state.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/cron"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

type Registry struct {
	mu    sync.RWMutex
	items map[string]Config

	store storage.Store // nil when persistence is disabled
	log   logx.Logger

	now func() time.Time
}

func NewRegistry(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		items: map[string]Config{},
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// Seed loads all persisted schedules into the registry. Schedules whose
// stored NextRun is missing or stale get it recomputed; ones whose cron no
// longer parses are disabled rather than dropped.
func (r *Registry) Seed(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	now := r.now()
	loaded := make(map[string]Config, len(recs))
	for _, rec := range recs {
		cfg, err := fromRecord(rec)
		if err != nil {
			r.log.Warn("skipping unreadable schedule", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		if cfg.Enabled && (cfg.NextRun == nil || cfg.NextRun.Before(now)) {
			next, err := cron.Next(cfg.CronExpr, cfg.Timezone, now)
			if err != nil {
				r.log.Error("disabling schedule with unusable cron",
					logx.String("id", cfg.ID), logx.String("cron", cfg.CronExpr), logx.Err(err))
				cfg.Enabled = false
				cfg.NextRun = nil
			} else {
				cfg.NextRun = &next
			}
		}
		loaded[cfg.ID] = cfg
	}

	r.mu.Lock()
	r.items = loaded
	r.mu.Unlock()
	r.log.Info("schedule registry seeded", logx.Int("count", len(loaded)))
	return nil
}

// Add validates, persists, and activates a new schedule.
func (r *Registry) Add(ctx context.Context, cfg Config) (Config, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return Config{}, fmt.Errorf("%w: name required", ErrInvalidSchedule)
	}
	if strings.TrimSpace(cfg.Job.Type) == "" {
		return Config{}, fmt.Errorf("%w: job type required", ErrInvalidSchedule)
	}
	if _, err := cron.Parse(cfg.CronExpr); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if _, err := cron.LoadLocation(cfg.Timezone); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.LastRun = nil
	cfg.NextRun = nil
	if cfg.Enabled {
		next, err := cron.Next(cfg.CronExpr, cfg.Timezone, r.now())
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		cfg.NextRun = &next
	}

	if err := r.persist(ctx, cfg); err != nil {
		return Config{}, err
	}

	r.mu.Lock()
	r.items[cfg.ID] = cfg
	r.mu.Unlock()

	r.log.Info("schedule added", logx.String("id", cfg.ID), logx.String("name", cfg.Name), logx.String("cron", cfg.CronExpr))
	return cfg, nil
}

// Update applies a partial change, recomputing NextRun when the cron
// expression, timezone, or enablement changed.
func (r *Registry) Update(ctx context.Context, id string, upd Update) (Config, error) {
	r.mu.RLock()
	cfg, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return Config{}, ErrNotFound
	}

	recompute := false
	if upd.Name != nil {
		cfg.Name = *upd.Name
	}
	if upd.CronExpr != nil && *upd.CronExpr != cfg.CronExpr {
		cfg.CronExpr = *upd.CronExpr
		recompute = true
	}
	if upd.Timezone != nil && *upd.Timezone != cfg.Timezone {
		cfg.Timezone = *upd.Timezone
		recompute = true
	}
	if upd.Job != nil {
		cfg.Job = *upd.Job
	}
	if upd.MaxConcurrentRuns != nil {
		cfg.MaxConcurrentRuns = *upd.MaxConcurrentRuns
	}
	if upd.Enabled != nil && *upd.Enabled != cfg.Enabled {
		cfg.Enabled = *upd.Enabled
		recompute = true
	}

	if _, err := cron.Parse(cfg.CronExpr); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if _, err := cron.LoadLocation(cfg.Timezone); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if !cfg.Enabled {
		cfg.NextRun = nil
	} else if recompute || cfg.NextRun == nil {
		next, err := cron.Next(cfg.CronExpr, cfg.Timezone, r.now())
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		cfg.NextRun = &next
	}

	if err := r.persist(ctx, cfg); err != nil {
		return Config{}, err
	}

	r.mu.Lock()
	r.items[id] = cfg
	r.mu.Unlock()
	return cfg, nil
}

// Remove deletes a schedule, cancelling future firing. The store delete
// happens first; on store failure the in-memory view is left untouched.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	_, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if r.store != nil {
		if err := r.store.DeleteSchedule(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("delete schedule: %w", err)
		}
	}

	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
	r.log.Info("schedule removed", logx.String("id", id))
	return true, nil
}

func (r *Registry) Get(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.items[id]
	return cfg, ok
}

func (r *Registry) List() []Config {
	r.mu.RLock()
	out := make([]Config, 0, len(r.items))
	for _, cfg := range r.items {
		out = append(out, cfg)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) ListByType(jobType string) []Config {
	var out []Config
	for _, cfg := range r.List() {
		if cfg.Job.Type == jobType {
			out = append(out, cfg)
		}
	}
	return out
}

// Due returns enabled schedules whose NextRun is at or before now.
func (r *Registry) Due(now time.Time) []Config {
	var out []Config
	for _, cfg := range r.List() {
		if cfg.Enabled && cfg.NextRun != nil && !cfg.NextRun.After(now) {
			out = append(out, cfg)
		}
	}
	return out
}

// MarkFired advances a schedule after a fire: LastRun = firedAt, NextRun
// recomputed strictly after firedAt. If the cron has no upcoming match the
// schedule is disabled and the evaluator's error is surfaced so the caller
// can alert instead of looping.
func (r *Registry) MarkFired(ctx context.Context, id string, firedAt time.Time) (Config, error) {
	r.mu.RLock()
	cfg, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return Config{}, ErrNotFound
	}

	cfg.LastRun = &firedAt
	next, err := cron.Next(cfg.CronExpr, cfg.Timezone, firedAt)
	if err != nil {
		cfg.Enabled = false
		cfg.NextRun = nil
		if perr := r.persist(ctx, cfg); perr != nil {
			r.log.Error("persisting disabled schedule failed", logx.String("id", id), logx.Err(perr))
		}
		r.mu.Lock()
		r.items[id] = cfg
		r.mu.Unlock()
		return cfg, fmt.Errorf("schedule %s: %w", id, err)
	}
	cfg.NextRun = &next

	if err := r.persist(ctx, cfg); err != nil {
		return Config{}, err
	}

	r.mu.Lock()
	r.items[id] = cfg
	r.mu.Unlock()
	return cfg, nil
}

func (r *Registry) persist(ctx context.Context, cfg Config) error {
	if r.store == nil {
		return nil
	}
	rec, err := toRecord(cfg)
	if err != nil {
		return err
	}
	if err := r.store.SaveSchedule(ctx, rec); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func toRecord(cfg Config) (storage.ScheduleRecord, error) {
	params := "{}"
	if len(cfg.Job.Params) > 0 {
		b, err := json.Marshal(cfg.Job.Params)
		if err != nil {
			return storage.ScheduleRecord{}, fmt.Errorf("marshal job params: %w", err)
		}
		params = string(b)
	}
	return storage.ScheduleRecord{
		ID:                cfg.ID,
		Name:              cfg.Name,
		CronExpr:          cfg.CronExpr,
		Timezone:          cfg.Timezone,
		JobType:           cfg.Job.Type,
		ParamsJSON:        params,
		Enabled:           cfg.Enabled,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		LastRun:           cfg.LastRun,
		NextRun:           cfg.NextRun,
		UpdatedAt:         time.Now(),
	}, nil
}

func fromRecord(rec storage.ScheduleRecord) (Config, error) {
	var params map[string]any
	if s := strings.TrimSpace(rec.ParamsJSON); s != "" && s != "{}" {
		if err := json.Unmarshal([]byte(s), &params); err != nil {
			return Config{}, fmt.Errorf("unmarshal job params: %w", err)
		}
	}
	return Config{
		ID:                rec.ID,
		Name:              rec.Name,
		CronExpr:          rec.CronExpr,
		Timezone:          rec.Timezone,
		Job:               JobDescriptor{Type: rec.JobType, Params: params},
		Enabled:           rec.Enabled,
		MaxConcurrentRuns: rec.MaxConcurrentRuns,
		LastRun:           rec.LastRun,
		NextRun:           rec.NextRun,
	}, nil
}
