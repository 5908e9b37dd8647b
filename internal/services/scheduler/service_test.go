package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"herald/internal/notify"
	"herald/internal/schedule"
	logx "herald/pkg/logx"
)

type fakeCreator struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeCreator) CreateJob(_ context.Context, jobType string, params map[string]any) (notify.Job, error) {
	f.mu.Lock()
	f.calls = append(f.calls, jobType)
	f.mu.Unlock()
	if err := f.fail[jobType]; err != nil {
		return notify.Job{}, err
	}
	if _, ok := params["schedule_id"]; !ok {
		return notify.Job{}, errors.New("schedule_id missing from params")
	}
	return notify.Job{ID: "job-" + jobType, Status: "queued"}, nil
}

func (f *fakeCreator) created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixedCounter struct{ n int }

func (c fixedCounter) CountRunning(context.Context, string, string) (int, error) {
	return c.n, nil
}

func addSchedule(t *testing.T, reg *schedule.Registry, name, jobType string) schedule.Config {
	t.Helper()
	cfg, err := reg.Add(context.Background(), schedule.Config{
		Name:     name,
		CronExpr: "* * * * *",
		Enabled:  true,
		Job:      schedule.JobDescriptor{Type: jobType},
	})
	if err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	return cfg
}

// newTickService returns a stopped service whose Tick can be driven
// directly; now is pinned far enough ahead that fresh schedules are due.
func newTickService(t *testing.T, reg *schedule.Registry, deps Deps) *Service {
	t.Helper()
	deps.Registry = reg
	svc := New(Config{}, deps)
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	return svc
}

func TestTickFiresAllDueSchedules(t *testing.T) {
	t.Parallel()

	reg := schedule.NewRegistry(nil, logx.Nop())
	a := addSchedule(t, reg, "backup", "dispatch")
	b := addSchedule(t, reg, "report", "dispatch")

	creator := &fakeCreator{}
	svc := newTickService(t, reg, Deps{Jobs: creator})
	svc.Tick(context.Background())

	if got := creator.created(); len(got) != 2 {
		t.Fatalf("created %d jobs, want 2", len(got))
	}
	now := svc.now()
	for _, id := range []string{a.ID, b.ID} {
		cfg, _ := reg.Get(id)
		if cfg.LastRun == nil || cfg.NextRun == nil || !cfg.NextRun.After(now) {
			t.Fatalf("schedule %s not advanced: %+v", id, cfg)
		}
	}
}

func TestTickFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	reg := schedule.NewRegistry(nil, logx.Nop())
	bad := addSchedule(t, reg, "bad", "broken")
	good := addSchedule(t, reg, "good", "dispatch")

	creator := &fakeCreator{fail: map[string]error{"broken": errors.New("backend down")}}
	svc := newTickService(t, reg, Deps{Jobs: creator})
	svc.Tick(context.Background())

	goodCfg, _ := reg.Get(good.ID)
	if goodCfg.NextRun == nil || !goodCfg.NextRun.After(svc.now()) {
		t.Fatalf("healthy schedule must advance despite sibling failure: %+v", goodCfg)
	}
	// The failed schedule keeps its due NextRun and is retried next tick.
	badCfg, _ := reg.Get(bad.ID)
	if badCfg.LastRun != nil {
		t.Fatalf("failed schedule must not be marked fired: %+v", badCfg)
	}

	found := false
	for _, rec := range svc.Snapshot().History {
		if rec.ScheduleID == bad.ID && rec.Error != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("failure must be recorded in history")
	}
}

func TestTickSkipsAtConcurrencyCap(t *testing.T) {
	t.Parallel()

	reg := schedule.NewRegistry(nil, logx.Nop())
	cfg, err := reg.Add(context.Background(), schedule.Config{
		Name:              "capped",
		CronExpr:          "* * * * *",
		Enabled:           true,
		MaxConcurrentRuns: 2,
		Job:               schedule.JobDescriptor{Type: "dispatch"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	creator := &fakeCreator{}
	svc := newTickService(t, reg, Deps{Jobs: creator, Runs: fixedCounter{n: 2}})
	svc.Tick(context.Background())

	if len(creator.created()) != 0 {
		t.Fatalf("capped schedule must not create a job")
	}
	after, _ := reg.Get(cfg.ID)
	if after.LastRun != nil {
		t.Fatalf("skip must not change schedule state: %+v", after)
	}
	hist := svc.Snapshot().History
	if len(hist) != 1 || !hist[0].Skipped {
		t.Fatalf("skip must be recorded: %+v", hist)
	}
}

func TestTickInflightGuard(t *testing.T) {
	t.Parallel()

	reg := schedule.NewRegistry(nil, logx.Nop())
	cfg := addSchedule(t, reg, "slow", "dispatch")

	creator := &fakeCreator{}
	svc := newTickService(t, reg, Deps{Jobs: creator})
	svc.inflight[cfg.ID] = struct{}{}

	svc.Tick(context.Background())
	if len(creator.created()) != 0 {
		t.Fatalf("in-flight schedule must not fire again")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	reg := schedule.NewRegistry(nil, logx.Nop())
	svc := New(Config{TickInterval: time.Hour}, Deps{Registry: reg, Jobs: &fakeCreator{}})

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !svc.Snapshot().Running {
		t.Fatalf("should be running")
	}
	if err := svc.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if svc.Snapshot().Running {
		t.Fatalf("should be stopped")
	}
}
