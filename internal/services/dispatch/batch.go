package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/notify"
)

type batchKey struct {
	category notify.Category
	typ      string
	cadence  notify.Frequency
}

// aggregator accumulates non-urgent requests and periodically collapses
// each (category, type) bucket into one synthetic digest request. Batched
// and digest cadences live in separate buckets because they flush on
// different intervals.
type aggregator struct {
	mu      sync.Mutex
	pending map[batchKey][]notify.DispatchRequest
}

func newAggregator() *aggregator {
	return &aggregator{pending: make(map[batchKey][]notify.DispatchRequest)}
}

func (a *aggregator) add(req notify.DispatchRequest, cadence notify.Frequency) {
	key := batchKey{category: req.Category, typ: req.Type, cadence: cadence}
	a.mu.Lock()
	a.pending[key] = append(a.pending[key], req)
	a.mu.Unlock()
}

func (a *aggregator) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// drain removes and returns all buckets of the given cadence.
func (a *aggregator) drain(cadence notify.Frequency) map[batchKey][]notify.DispatchRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[batchKey][]notify.DispatchRequest)
	for k, reqs := range a.pending {
		if k.cadence != cadence {
			continue
		}
		out[k] = reqs
		delete(a.pending, k)
	}
	return out
}

// digest collapses one bucket into a single synthetic request. Recipients
// are the union of the bucket's recipients, deduplicated by id; severity is
// the highest seen in the bucket.
func digest(key batchKey, reqs []notify.DispatchRequest, now time.Time) notify.DispatchRequest {
	var (
		lines    []string
		severity = notify.SeverityLow
		seen     = make(map[string]struct{})
		rcpts    []notify.Recipient
	)
	for _, r := range reqs {
		line := r.Title
		if r.Message != "" {
			line += ": " + r.Message
		}
		lines = append(lines, "- "+line)
		if r.Severity.AtLeast(severity) {
			severity = r.Severity
		}
		for _, rcpt := range r.Recipients {
			if _, ok := seen[rcpt.ID]; ok {
				continue
			}
			seen[rcpt.ID] = struct{}{}
			rcpts = append(rcpts, rcpt)
		}
	}
	return notify.DispatchRequest{
		ID:         uuid.NewString(),
		Type:       key.typ,
		Category:   notify.CategoryDigest,
		Severity:   severity,
		Title:      fmt.Sprintf("%d %s notifications", len(reqs), key.category),
		Message:    strings.Join(lines, "\n"),
		Recipients: rcpts,
		Metadata:   map[string]string{"digest_of": string(key.category), "digest_count": fmt.Sprint(len(reqs))},
		CreatedAt:  now,
	}
}
