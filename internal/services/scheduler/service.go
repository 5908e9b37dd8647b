package scheduler

import (
	"context"
	"sync"
	"time"

	"herald/internal/eventbus"
	"herald/internal/notify"
	"herald/internal/runtime/supervisor"
	"herald/internal/schedule"
	logx "herald/pkg/logx"
)

// Deps are the loop's collaborators. Runs is optional; without it
// per-schedule concurrency caps are not enforced.
type Deps struct {
	Logger   logx.Logger
	Bus      eventbus.Bus
	Registry *schedule.Registry
	Jobs     notify.JobCreator
	Runs     notify.RunCounter
}

// Service is the scheduler loop. It scans the registry on a fixed tick,
// fires every due schedule at most once, and advances next-run bookkeeping
// only after the job was created. The loop is either stopped or running;
// Start and Stop are idempotent.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	running bool

	log      logx.Logger
	bus      eventbus.Bus
	registry *schedule.Registry
	jobs     notify.JobCreator
	runs     notify.RunCounter

	// inflight guards each schedule across ticks so a slow fire is never
	// doubled by the next scan.
	inflight map[string]struct{}

	sup     *supervisor.Supervisor
	history []FireRecord

	now func() time.Time
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("svc", "scheduler")),
		bus:      deps.Bus,
		registry: deps.Registry,
		jobs:     deps.Jobs,
		runs:     deps.Runs,
		inflight: map[string]struct{}{},
		now:      time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("scheduler-loop", s.loop)
	s.running = true
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.TickInterval))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)
	s.log.Info("scheduler stopped")
	return err
}

// Apply swaps config at runtime; the tick interval takes effect on the
// next loop iteration.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]FireRecord, len(s.history))
	copy(hist, s.history)
	return Snapshot{Running: s.running, InFlight: len(s.inflight), History: hist}
}

func (s *Service) loop(ctx context.Context) error {
	s.mu.Lock()
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
			s.mu.Lock()
			if s.cfg.TickInterval != interval {
				interval = s.cfg.TickInterval
				ticker.Reset(interval)
			}
			s.mu.Unlock()
		}
	}
}

// Tick scans for due schedules and fires each one that is not already in
// flight. Firing runs concurrently per schedule; one schedule's failure
// never blocks another's.
func (s *Service) Tick(ctx context.Context) {
	now := s.now()
	due := s.registry.Due(now)
	if len(due) == 0 {
		return
	}

	s.mu.Lock()
	sup := s.sup
	var fire []schedule.Config
	for _, cfg := range due {
		if _, busy := s.inflight[cfg.ID]; busy {
			continue
		}
		s.inflight[cfg.ID] = struct{}{}
		fire = append(fire, cfg)
	}
	s.mu.Unlock()

	for _, cfg := range fire {
		cfg := cfg
		run := func(ctx context.Context) error {
			defer func() {
				s.mu.Lock()
				delete(s.inflight, cfg.ID)
				s.mu.Unlock()
			}()
			s.fire(ctx, cfg, now)
			return nil
		}
		if sup != nil {
			sup.Go("fire-"+cfg.ID, run)
		} else {
			// Direct invocation path used by tests driving Tick manually.
			_ = run(ctx)
		}
	}
}

// fire runs one due schedule: concurrency-cap check, job creation, then
// next-run advancement. The cap check and a failed job creation both leave
// NextRun untouched so the schedule is retried on a later tick; firing is
// at-least-once by design of the registry bookkeeping.
func (s *Service) fire(ctx context.Context, cfg schedule.Config, now time.Time) {
	log := s.log.With(logx.String("schedule", cfg.ID), logx.String("name", cfg.Name))

	if cfg.MaxConcurrentRuns > 0 && s.runs != nil {
		n, err := s.runs.CountRunning(ctx, cfg.Job.Type, cfg.ID)
		if err != nil {
			// Can't verify the cap; favor firing over silently missing a run.
			log.Warn("run count unavailable, firing anyway", logx.Err(err))
		} else if n >= cfg.MaxConcurrentRuns {
			log.Info("skipping fire, concurrency cap reached",
				logx.Int("running", n), logx.Int("cap", cfg.MaxConcurrentRuns))
			s.record(FireRecord{ScheduleID: cfg.ID, Name: cfg.Name, JobType: cfg.Job.Type, Skipped: true, At: now})
			s.publish(eventbus.ScheduleSkipped, map[string]any{"schedule": cfg.ID, "running": n})
			return
		}
	}

	params := make(map[string]any, len(cfg.Job.Params)+1)
	for k, v := range cfg.Job.Params {
		params[k] = v
	}
	params["schedule_id"] = cfg.ID

	job, err := s.jobs.CreateJob(ctx, cfg.Job.Type, params)
	if err != nil {
		log.Error("job creation failed", logx.Err(err))
		s.record(FireRecord{ScheduleID: cfg.ID, Name: cfg.Name, JobType: cfg.Job.Type, Error: err.Error(), At: now})
		s.publish(eventbus.ScheduleError, map[string]any{"schedule": cfg.ID, "error": err.Error()})
		return
	}

	if _, err := s.registry.MarkFired(ctx, cfg.ID, now); err != nil {
		log.Error("advancing schedule failed", logx.Err(err))
		s.publish(eventbus.ScheduleError, map[string]any{"schedule": cfg.ID, "error": err.Error()})
	}

	log.Info("schedule fired", logx.String("job", job.ID), logx.String("job_type", cfg.Job.Type))
	s.record(FireRecord{ScheduleID: cfg.ID, Name: cfg.Name, JobType: cfg.Job.Type, JobID: job.ID, At: now})
	s.publish(eventbus.ScheduleFired, map[string]any{"schedule": cfg.ID, "job": job.ID})
}

func (s *Service) record(rec FireRecord) {
	s.mu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.mu.Unlock()
}

func (s *Service) publish(typ string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
