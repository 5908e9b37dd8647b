package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/delivery"
	"herald/internal/eventbus"
	"herald/internal/notify"
	"herald/internal/runtime/supervisor"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Deps are the engine's collaborators. Store is optional: without it
// deferred delivery is unavailable and audit rows are skipped.
type Deps struct {
	Logger   logx.Logger
	Bus      eventbus.Bus
	Store    storage.Store
	Renderer notify.Renderer
	Sender   *delivery.Controller
}

// Service is the dispatch engine. It takes a DispatchRequest through
// rules, recipient filtering, channel grouping and fan-out, and returns
// one DispatchResult per request. Safe for concurrent Dispatch calls.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	running bool

	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	renderer notify.Renderer
	sender   *delivery.Controller

	rules []Rule
	agg   *aggregator
	sup   *supervisor.Supervisor

	history []HistoryItem

	// now is a seam for deterministic tests.
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
		log:      log.With(logx.String("svc", "dispatch")),
		bus:      deps.Bus,
		store:    deps.Store,
		renderer: deps.Renderer,
		sender:   deps.Sender,
		rules:    sortRules(cfg.Rules),
		agg:      newAggregator(),
		now:      time.Now,
	}
}

// Start launches the batch and digest flush loops. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("dispatch-batch-flush", func(ctx context.Context) error {
		return s.flushLoop(ctx, notify.FrequencyBatched)
	})
	s.sup.Go("dispatch-digest-flush", func(ctx context.Context) error {
		return s.flushLoop(ctx, notify.FrequencyDigest)
	})
	s.running = true
	s.log.Info("dispatch engine started",
		logx.Int("rules", len(s.rules)),
		logx.Duration("batch_interval", s.cfg.BatchInterval))
	return nil
}

// Stop flushes pending batches and stops the loops. Idempotent.
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

	// Final flush so accumulated notifications are not lost on shutdown.
	s.flush(ctx, notify.FrequencyBatched)
	s.flush(ctx, notify.FrequencyDigest)

	sup.Cancel()
	err := sup.Wait(ctx)
	s.log.Info("dispatch engine stopped")
	return err
}

// Apply swaps config at runtime. The rule set and flush intervals take
// effect immediately; running flush loops pick intervals up on next tick.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.rules = sortRules(cfg.Rules)
	s.mu.Unlock()
	s.log.Info("dispatch config applied", logx.Int("rules", len(cfg.Rules)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	return Snapshot{
		Running:        s.running,
		Rules:          len(s.rules),
		PendingBatches: s.agg.size(),
		History:        hist,
	}
}

// Dispatch runs one request through the full pipeline:
// validate, apply rules, filter recipients, split off batched cadences,
// persist deferred requests, group by channel and fan out.
func (s *Service) Dispatch(ctx context.Context, req notify.DispatchRequest) (*notify.DispatchResult, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	rules := s.rules
	cfg := s.cfg
	s.mu.Unlock()

	started := s.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = started
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	// Expired requests deliver nothing; the result says so explicitly.
	if req.ExpiresAt != nil && !req.ExpiresAt.After(started) {
		res := &notify.DispatchResult{RequestID: req.ID, Success: true, Error: "expired before delivery"}
		s.record(req, res, started)
		return res, nil
	}

	req, matched := applyRules(rules, req, started)
	if len(matched) > 0 {
		s.log.Debug("rules applied",
			logx.String("request", req.ID),
			logx.Any("rules", matched))
	}

	eligible := filterRecipients(req, req.Recipients, started)
	if len(eligible) == 0 {
		if cfg.Fallback != nil {
			eligible = []notify.Recipient{*cfg.Fallback}
			s.log.Warn("no eligible recipients, using fallback", logx.String("request", req.ID))
		} else {
			res := &notify.DispatchResult{RequestID: req.ID, Success: true}
			s.record(req, res, started)
			return res, ErrNoEligibleRecipients
		}
	}

	// Non-critical requests honor batched/digest cadences; critical ones
	// always go out immediately.
	var immediate []notify.Recipient
	batched := false
	if req.Severity == notify.SeverityCritical {
		immediate = eligible
	} else {
		for _, rcpt := range eligible {
			switch rcpt.Prefs.Frequency {
			case notify.FrequencyBatched, notify.FrequencyDigest:
				sub := req
				sub.Recipients = []notify.Recipient{rcpt}
				s.agg.add(sub, rcpt.Prefs.Frequency)
				batched = true
			default:
				immediate = append(immediate, rcpt)
			}
		}
	}
	if batched {
		s.publish(eventbus.DispatchQueued, map[string]any{"request": req.ID})
	}
	if len(immediate) == 0 {
		res := &notify.DispatchResult{RequestID: req.ID, Success: true, Batched: batched}
		s.record(req, res, started)
		return res, nil
	}
	req.Recipients = immediate

	if req.ScheduledFor != nil && req.ScheduledFor.After(started) {
		res, err := s.deferDispatch(ctx, req, started)
		if err == nil {
			s.record(req, res, started)
		}
		return res, err
	}

	res := s.deliver(ctx, req, started, cfg.Workers)
	res.Batched = batched
	s.record(req, res, started)
	s.publish(eventbus.DispatchCompleted, map[string]any{
		"request":   req.ID,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	})
	return res, nil
}

func validate(req notify.DispatchRequest) error {
	if !notify.ValidCategory(req.Category) {
		return fmt.Errorf("invalid category %q", req.Category)
	}
	if !notify.ValidSeverity(req.Severity) {
		return fmt.Errorf("invalid severity %q", req.Severity)
	}
	if req.Title == "" && req.Message == "" {
		return fmt.Errorf("request has no content")
	}
	for _, ch := range req.Channels {
		if !notify.ValidChannel(ch) {
			return fmt.Errorf("invalid channel %q", ch)
		}
	}
	return nil
}

// deferDispatch persists a future-scheduled request for the deferred poller.
func (s *Service) deferDispatch(ctx context.Context, req notify.DispatchRequest, now time.Time) (*notify.DispatchResult, error) {
	if s.store == nil {
		return nil, fmt.Errorf("deferred delivery requires storage (request %s scheduled for %s)",
			req.ID, req.ScheduledFor.Format(time.RFC3339))
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode deferred request: %w", err)
	}
	sd := storage.ScheduledDispatch{
		ID:           req.ID,
		RequestJSON:  string(raw),
		ScheduledFor: *req.ScheduledFor,
		CreatedAt:    now,
	}
	if err := s.store.SaveScheduledDispatch(ctx, sd); err != nil {
		return nil, fmt.Errorf("persist deferred request: %w", err)
	}
	s.publish(eventbus.DispatchDeferred, map[string]any{
		"request": req.ID,
		"due":     req.ScheduledFor.Format(time.RFC3339),
	})
	s.log.Info("dispatch deferred",
		logx.String("request", req.ID),
		logx.Duration("in", req.ScheduledFor.Sub(now)))
	return &notify.DispatchResult{RequestID: req.ID, Success: true, Deferred: true}, nil
}

// deliver fans one request out to its channel groups and merges outcomes.
// Each (recipient, channel) pair is attempted exactly once here; retry
// lives inside the failover controller. Workers is passed in because the
// caller snapshots config under the lock; deliver itself never touches it.
func (s *Service) deliver(ctx context.Context, req notify.DispatchRequest, started time.Time, workers int) *notify.DispatchResult {
	groups := groupByChannel(req.Recipients, req.Channels)

	type task struct {
		ch   notify.Channel
		rcpt notify.Recipient
	}
	var tasks []task
	for ch, rcpts := range groups {
		for _, rcpt := range rcpts {
			tasks = append(tasks, task{ch: ch, rcpt: rcpt})
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []notify.DeliveryOutcome
		sem      = make(chan struct{}, workers)
	)
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out := s.sendOne(ctx, req, t.ch, t.rcpt)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	res := &notify.DispatchResult{
		RequestID: req.ID,
		Total:     len(outcomes),
		Outcomes:  outcomes,
		Duration:  s.now().Sub(started),
	}
	for _, o := range outcomes {
		if o.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	res.Success = res.Succeeded > 0
	if res.Failed > 0 {
		res.Error = fmt.Sprintf("%d/%d deliveries failed", res.Failed, res.Total)
	}
	return res
}

// sendOne renders content for one recipient and hands it to the failover
// controller for their chosen channel.
func (s *Service) sendOne(ctx context.Context, req notify.DispatchRequest, ch notify.Channel, rcpt notify.Recipient) notify.DeliveryOutcome {
	out := notify.DeliveryOutcome{
		RecipientID: rcpt.ID,
		Channel:     ch,
		Address:     rcpt.Address(ch),
		At:          s.now(),
	}

	content, err := s.renderContent(req, ch, rcpt)
	if err != nil {
		out.Error = err.Error()
		s.log.Error("render failed",
			logx.String("request", req.ID),
			logx.String("recipient", rcpt.ID),
			logx.Err(err))
		return out
	}

	msg := notify.Message{
		Channel: ch,
		Address: out.Address,
		Subject: content.Subject,
		Text:    content.Text,
		HTML:    content.HTML,
		Meta: map[string]string{
			"severity": string(req.Severity),
			"category": string(req.Category),
		},
	}
	for k, v := range req.Metadata {
		msg.Meta[k] = v
	}

	dres := s.sender.Send(ctx, ch, msg)
	out.Provider = dres.Provider
	out.MessageID = dres.MessageID
	if dres.Err != nil {
		out.Error = dres.Err.Error()
		s.publish(eventbus.DeliveryFailed, map[string]any{
			"request":   req.ID,
			"recipient": rcpt.ID,
			"channel":   string(ch),
		})
		return out
	}
	out.Success = true
	s.publish(eventbus.DeliverySent, map[string]any{
		"request":   req.ID,
		"recipient": rcpt.ID,
		"channel":   string(ch),
		"provider":  dres.Provider,
	})
	return out
}

func (s *Service) renderContent(req notify.DispatchRequest, ch notify.Channel, rcpt notify.Recipient) (notify.Content, error) {
	if s.renderer == nil {
		return notify.Content{Subject: req.Title, Text: req.Message}, nil
	}
	data := map[string]any{
		"title":     req.Title,
		"message":   req.Message,
		"severity":  string(req.Severity),
		"category":  string(req.Category),
		"channel":   string(ch),
		"recipient": rcpt.ID,
	}
	for k, v := range req.Data {
		data[k] = v
	}
	content, err := s.renderer.Render(req.Template, data)
	if err != nil {
		return notify.Content{}, err
	}
	if content.Subject == "" {
		content.Subject = req.Title
	}
	if content.Text == "" && content.HTML == "" {
		content.Text = req.Message
	}
	return content, nil
}

// flushLoop periodically drains one cadence's buckets. The interval is
// re-read under the lock after each flush so Apply takes effect on the
// next tick.
func (s *Service) flushLoop(ctx context.Context, cadence notify.Frequency) error {
	interval := s.flushInterval(cadence)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.flush(ctx, cadence)
			if next := s.flushInterval(cadence); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Service) flushInterval(cadence notify.Frequency) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cadence == notify.FrequencyDigest {
		return s.cfg.DigestInterval
	}
	return s.cfg.BatchInterval
}

// flush drains all buckets of one cadence and delivers each as a digest.
func (s *Service) flush(ctx context.Context, cadence notify.Frequency) {
	buckets := s.agg.drain(cadence)
	if len(buckets) == 0 {
		return
	}
	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()
	now := s.now()
	for key, reqs := range buckets {
		dig := digest(key, reqs, now)
		res := s.deliver(ctx, dig, now, workers)
		s.record(dig, res, now)
		s.publish(eventbus.BatchFlushed, map[string]any{
			"category": string(key.category),
			"type":     key.typ,
			"count":    len(reqs),
			"digest":   dig.ID,
		})
		s.log.Info("batch flushed",
			logx.String("category", string(key.category)),
			logx.Int("notifications", len(reqs)),
			logx.Int("succeeded", res.Succeeded),
			logx.Int("failed", res.Failed))
	}
}

// record appends to the history ring and, when a store is present, writes
// the audit row in the background so slow storage never delays dispatch.
func (s *Service) record(req notify.DispatchRequest, res *notify.DispatchResult, at time.Time) {
	item := HistoryItem{
		RequestID: res.RequestID,
		Type:      req.Type,
		Category:  string(req.Category),
		Severity:  string(req.Severity),
		Success:   res.Success,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Batched:   res.Batched,
		Deferred:  res.Deferred,
		Error:     res.Error,
		At:        at,
	}
	s.mu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	rec := storage.DispatchRecord{
		RequestID: res.RequestID,
		Type:      req.Type,
		Category:  string(req.Category),
		Severity:  string(req.Severity),
		Title:     req.Title,
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Success:   res.Success,
		Error:     res.Error,
		TookMS:    res.Duration.Milliseconds(),
		At:        at,
	}
	if raw, err := json.Marshal(res.Outcomes); err == nil {
		rec.OutcomesJSON = string(raw)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.AppendDispatchRecord(ctx, rec); err != nil {
			s.log.Warn("dispatch audit write failed", logx.String("request", rec.RequestID), logx.Err(err))
		}
	}()
}

func (s *Service) publish(typ string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
