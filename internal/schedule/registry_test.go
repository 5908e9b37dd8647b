package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"herald/internal/storage"
	logx "herald/pkg/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	schedules map[string]storage.ScheduleRecord
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{schedules: map[string]storage.ScheduleRecord{}}
}

func (f *fakeStore) SaveSchedule(_ context.Context, rec storage.ScheduleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.schedules[rec.ID] = rec
	return nil
}

func (f *fakeStore) DeleteSchedule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schedules[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.schedules, id)
	return nil
}

func (f *fakeStore) LoadSchedules(context.Context) ([]storage.ScheduleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.ScheduleRecord, 0, len(f.schedules))
	for _, rec := range f.schedules {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) SaveScheduledDispatch(context.Context, storage.ScheduledDispatch) error {
	return nil
}

func (f *fakeStore) DueScheduledDispatches(context.Context, time.Time, int) ([]storage.ScheduledDispatch, error) {
	return nil, nil
}

func (f *fakeStore) DeleteScheduledDispatch(context.Context, string) error { return nil }

func (f *fakeStore) AppendDispatchRecord(context.Context, storage.DispatchRecord) error {
	return nil
}

func (f *fakeStore) PruneDispatchRecords(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Close() error { return nil }

func testRegistry(t *testing.T, store storage.Store) *Registry {
	t.Helper()
	r := NewRegistry(store, logx.Nop())
	r.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return r
}

func TestAddComputesNextRun(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, newFakeStore())

	cfg, err := r.Add(context.Background(), Config{
		Name:     "nightly",
		CronExpr: "0 2 * * *",
		Job:      JobDescriptor{Type: "digest"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if cfg.ID == "" {
		t.Fatal("expected assigned id")
	}
	want := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	if cfg.NextRun == nil || !cfg.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", cfg.NextRun, want)
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, newFakeStore())

	_, err := r.Add(context.Background(), Config{
		Name:     "broken",
		CronExpr: "99 * * * *",
		Job:      JobDescriptor{Type: "digest"},
		Enabled:  true,
	})
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestDisabledHasNilNextRun(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, newFakeStore())

	cfg, err := r.Add(context.Background(), Config{
		Name:     "paused",
		CronExpr: "* * * * *",
		Job:      JobDescriptor{Type: "digest"},
		Enabled:  false,
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if cfg.NextRun != nil {
		t.Fatalf("disabled schedule NextRun = %v, want nil", cfg.NextRun)
	}
}

func TestUpdateRecomputesOnCronChange(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, newFakeStore())

	cfg, err := r.Add(context.Background(), Config{
		Name:     "nightly",
		CronExpr: "0 2 * * *",
		Job:      JobDescriptor{Type: "digest"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	newExpr := "30 5 * * *"
	got, err := r.Update(context.Background(), cfg.ID, Update{CronExpr: &newExpr})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	want := time.Date(2024, 1, 1, 5, 30, 0, 0, time.UTC)
	if got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got.NextRun, want)
	}
}

func TestStoreFailureLeavesMemoryUnchanged(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.saveErr = errors.New("disk full")
	r := testRegistry(t, store)

	_, err := r.Add(context.Background(), Config{
		Name:     "nightly",
		CronExpr: "0 2 * * *",
		Job:      JobDescriptor{Type: "digest"},
		Enabled:  true,
	})
	if err == nil {
		t.Fatal("expected store failure to surface")
	}
	if got := r.List(); len(got) != 0 {
		t.Fatalf("registry has %d schedules after failed Add, want 0", len(got))
	}
}

func TestDueAndMarkFired(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, newFakeStore())

	cfg, err := r.Add(context.Background(), Config{
		Name:     "minutely",
		CronExpr: "* * * * *",
		Job:      JobDescriptor{Type: "poll"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	firstNext := *cfg.NextRun
	if due := r.Due(firstNext); len(due) != 1 {
		t.Fatalf("Due = %d schedules, want 1", len(due))
	}
	if due := r.Due(firstNext.Add(-time.Second)); len(due) != 0 {
		t.Fatalf("Due before next-run = %d schedules, want 0", len(due))
	}

	fired, err := r.MarkFired(context.Background(), cfg.ID, firstNext)
	if err != nil {
		t.Fatalf("MarkFired error: %v", err)
	}
	if fired.LastRun == nil || !fired.LastRun.Equal(firstNext) {
		t.Fatalf("LastRun = %v, want %v", fired.LastRun, firstNext)
	}
	if fired.NextRun == nil || !fired.NextRun.After(firstNext) {
		t.Fatalf("NextRun = %v, want after %v", fired.NextRun, firstNext)
	}
}

func TestRemoveCancelsSchedule(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	r := testRegistry(t, store)

	cfg, err := r.Add(context.Background(), Config{
		Name:     "temp",
		CronExpr: "0 0 * * *",
		Job:      JobDescriptor{Type: "digest"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	ok, err := r.Remove(context.Background(), cfg.ID)
	if err != nil || !ok {
		t.Fatalf("Remove = (%v, %v), want (true, nil)", ok, err)
	}
	if _, found := r.Get(cfg.ID); found {
		t.Fatal("schedule still present after Remove")
	}
	if ok, _ := r.Remove(context.Background(), cfg.ID); ok {
		t.Fatal("second Remove reported true")
	}
}

func TestSeedRecomputesStaleNextRun(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	stale := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	store.schedules["s1"] = storage.ScheduleRecord{
		ID:       "s1",
		Name:     "old",
		CronExpr: "0 2 * * *",
		JobType:  "digest",
		Enabled:  true,
		NextRun:  &stale,
	}

	r := testRegistry(t, store)
	if err := r.Seed(context.Background()); err != nil {
		t.Fatalf("Seed error: %v", err)
	}

	cfg, ok := r.Get("s1")
	if !ok {
		t.Fatal("seeded schedule missing")
	}
	want := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	if cfg.NextRun == nil || !cfg.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want recomputed %v", cfg.NextRun, want)
	}
}

func TestListByType(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, newFakeStore())
	ctx := context.Background()

	for _, c := range []Config{
		{Name: "a", CronExpr: "* * * * *", Job: JobDescriptor{Type: "digest"}, Enabled: true},
		{Name: "b", CronExpr: "* * * * *", Job: JobDescriptor{Type: "poll"}, Enabled: true},
		{Name: "c", CronExpr: "* * * * *", Job: JobDescriptor{Type: "digest"}, Enabled: true},
	} {
		if _, err := r.Add(ctx, c); err != nil {
			t.Fatalf("Add(%s) error: %v", c.Name, err)
		}
	}

	if got := r.ListByType("digest"); len(got) != 2 {
		t.Fatalf("ListByType(digest) = %d, want 2", len(got))
	}
}
