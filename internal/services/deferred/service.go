// Package deferred re-submits future-scheduled dispatch requests once
// their due time arrives. The dispatch engine persists them; this poller
// scans the store, strips the schedule marker and hands each request back
// to the engine. A row is deleted once the engine produced a result, so a
// request is delivered at most once even across restarts.
package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"herald/internal/eventbus"
	"herald/internal/notify"
	"herald/internal/runtime/supervisor"
	"herald/internal/services/dispatch"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultBatchLimit   = 50
)

// Dispatcher is the engine surface the poller needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notify.DispatchRequest) (*notify.DispatchResult, error)
}

type Config struct {
	Enabled      bool
	PollInterval time.Duration
	BatchLimit   int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	return c
}

type Deps struct {
	Logger logx.Logger
	Bus    eventbus.Bus
	Store  storage.Store
	Engine Dispatcher
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	running bool

	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	engine Dispatcher

	sup *supervisor.Supervisor
	now func() time.Time
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("svc", "deferred")),
		bus:    deps.Bus,
		store:  deps.Store,
		engine: deps.Engine,
		now:    time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.store == nil {
		s.log.Info("deferred poller disabled, no storage")
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("deferred-poll", s.loop)
	s.running = true
	s.log.Info("deferred poller started", logx.Duration("interval", s.cfg.PollInterval))
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
	return sup.Wait(ctx)
}

func (s *Service) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll delivers every stored dispatch whose due time has passed.
func (s *Service) Poll(ctx context.Context) {
	due, err := s.store.DueScheduledDispatches(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		s.log.Error("scanning deferred dispatches failed", logx.Err(err))
		return
	}
	for _, sd := range due {
		s.deliver(ctx, sd)
	}
}

func (s *Service) deliver(ctx context.Context, sd storage.ScheduledDispatch) {
	var req notify.DispatchRequest
	if err := json.Unmarshal([]byte(sd.RequestJSON), &req); err != nil {
		// Unreadable rows are dropped; retrying can never succeed.
		s.log.Error("dropping unreadable deferred dispatch", logx.String("id", sd.ID), logx.Err(err))
		if derr := s.store.DeleteScheduledDispatch(ctx, sd.ID); derr != nil {
			s.log.Warn("delete failed", logx.String("id", sd.ID), logx.Err(derr))
		}
		return
	}

	// Clear the marker so the engine delivers now instead of re-deferring.
	req.ScheduledFor = nil

	res, err := s.engine.Dispatch(ctx, req)
	if err != nil && !errors.Is(err, dispatch.ErrNoEligibleRecipients) {
		s.log.Error("deferred dispatch failed", logx.String("id", sd.ID), logx.Err(err))
		// Keep the row; a stopped engine or transient failure retries on a
		// later poll (or after restart).
		return
	}
	if err := s.store.DeleteScheduledDispatch(ctx, sd.ID); err != nil {
		s.log.Warn("delete after delivery failed", logx.String("id", sd.ID), logx.Err(err))
	}
	if s.bus != nil && res != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchCompleted, Data: map[string]any{
			"request":  req.ID,
			"deferred": true,
			"success":  res.Success,
		}})
	}
	s.log.Info("deferred dispatch delivered",
		logx.String("id", sd.ID),
		logx.Duration("late_by", s.now().Sub(sd.ScheduledFor)))
}
