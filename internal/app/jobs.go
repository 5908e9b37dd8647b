package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/notify"
	"herald/internal/services/dispatch"
	logx "herald/pkg/logx"
)

// runTracker counts in-flight job runs per (job type, schedule), backing
// the scheduler's per-schedule concurrency cap.
type runTracker struct {
	mu   sync.Mutex
	runs map[string]int
}

func newRunTracker() *runTracker {
	return &runTracker{runs: map[string]int{}}
}

func trackKey(jobType, scheduleID string) string { return jobType + "|" + scheduleID }

func (t *runTracker) begin(jobType, scheduleID string) {
	t.mu.Lock()
	t.runs[trackKey(jobType, scheduleID)]++
	t.mu.Unlock()
}

func (t *runTracker) end(jobType, scheduleID string) {
	t.mu.Lock()
	key := trackKey(jobType, scheduleID)
	if t.runs[key]--; t.runs[key] <= 0 {
		delete(t.runs, key)
	}
	t.mu.Unlock()
}

func (t *runTracker) CountRunning(_ context.Context, jobType, scheduleID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[trackKey(jobType, scheduleID)], nil
}

// jobCreator turns schedule firings into dispatch requests. The only job
// type herald executes in-process is "dispatch"; the request fields come
// from the schedule's params and recipients default to the whole
// configured directory.
type jobCreator struct {
	engine  dispatch.Dispatcher
	tracker *runTracker
	log     logx.Logger

	mu         sync.RWMutex
	recipients []notify.Recipient
}

func newJobCreator(engine dispatch.Dispatcher, tracker *runTracker, log logx.Logger) *jobCreator {
	return &jobCreator{engine: engine, tracker: tracker, log: log}
}

func (j *jobCreator) setRecipients(rs []notify.Recipient) {
	j.mu.Lock()
	j.recipients = rs
	j.mu.Unlock()
}

func (j *jobCreator) resolveRecipients(ids []string) ([]notify.Recipient, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(ids) == 0 {
		return append([]notify.Recipient(nil), j.recipients...), nil
	}
	byID := make(map[string]notify.Recipient, len(j.recipients))
	for _, r := range j.recipients {
		byID[r.ID] = r
	}
	out := make([]notify.Recipient, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown recipient %q", id)
		}
		out = append(out, r)
	}
	return out, nil
}

// CreateJob implements notify.JobCreator. The request is built and
// validated synchronously; delivery runs in the background so a slow
// provider never stalls the scheduler tick.
func (j *jobCreator) CreateJob(ctx context.Context, jobType string, params map[string]any) (notify.Job, error) {
	if jobType != "dispatch" {
		return notify.Job{}, fmt.Errorf("unknown job type %q", jobType)
	}

	req, err := j.buildRequest(params)
	if err != nil {
		return notify.Job{}, err
	}

	scheduleID, _ := params["schedule_id"].(string)
	job := notify.Job{ID: uuid.NewString(), Status: "queued"}

	j.tracker.begin(jobType, scheduleID)
	go func() {
		defer j.tracker.end(jobType, scheduleID)
		runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		res, err := j.engine.Dispatch(runCtx, req)
		if err != nil {
			j.log.Warn("scheduled dispatch failed",
				logx.String("job", job.ID),
				logx.String("schedule", scheduleID),
				logx.Err(err))
			return
		}
		j.log.Info("scheduled dispatch done",
			logx.String("job", job.ID),
			logx.String("schedule", scheduleID),
			logx.Int("succeeded", res.Succeeded),
			logx.Int("failed", res.Failed))
	}()
	return job, nil
}

func (j *jobCreator) buildRequest(params map[string]any) (notify.DispatchRequest, error) {
	str := func(key string) string {
		if v, ok := params[key].(string); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}

	req := notify.DispatchRequest{
		Type:     "scheduled",
		Category: notify.CategorySchedule,
		Severity: notify.SeverityLow,
		Title:    str("title"),
		Message:  str("message"),
		Template: str("template"),
	}
	if c := str("category"); c != "" {
		cat := notify.Category(c)
		if !notify.ValidCategory(cat) {
			return notify.DispatchRequest{}, fmt.Errorf("unknown category %q", c)
		}
		req.Category = cat
	}
	if sv := str("severity"); sv != "" {
		sev, err := notify.ParseSeverity(sv)
		if err != nil {
			return notify.DispatchRequest{}, err
		}
		req.Severity = sev
	}
	if req.Title == "" && req.Message == "" {
		return notify.DispatchRequest{}, fmt.Errorf("dispatch job needs a title or message param")
	}
	if chs, ok := params["channels"].([]any); ok {
		for _, v := range chs {
			name, _ := v.(string)
			ch := notify.Channel(name)
			if !notify.ValidChannel(ch) {
				return notify.DispatchRequest{}, fmt.Errorf("unknown channel %q", name)
			}
			req.Channels = append(req.Channels, ch)
		}
	}
	if data, ok := params["data"].(map[string]any); ok {
		req.Data = data
	}

	var ids []string
	if raw, ok := params["recipients"].([]any); ok {
		for _, v := range raw {
			if id, _ := v.(string); id != "" {
				ids = append(ids, id)
			}
		}
	}
	recipients, err := j.resolveRecipients(ids)
	if err != nil {
		return notify.DispatchRequest{}, err
	}
	req.Recipients = recipients
	return req, nil
}
