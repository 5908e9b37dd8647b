package dispatch

import (
	"context"
	"errors"
	"time"

	"herald/internal/notify"
)

// Dispatcher is the engine surface consumers depend on; *Service
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notify.DispatchRequest) (*notify.DispatchResult, error)
}

// ErrNoEligibleRecipients is returned by Dispatch when preference filtering
// leaves nobody to deliver to and no fallback recipient is configured. The
// accompanying result is a no-op; callers may treat the error as advisory.
var ErrNoEligibleRecipients = errors.New("no eligible recipients")

// ErrNotRunning is returned by Dispatch before Start or after Stop.
var ErrNotRunning = errors.New("dispatch engine is not running")

const (
	defaultWorkers        = 8
	defaultBatchInterval  = 5 * time.Minute
	defaultDigestInterval = 30 * time.Minute
	defaultHistorySize    = 100
)

// Config controls the dispatch engine.
type Config struct {
	Enabled bool

	// Workers bounds concurrent per-recipient deliveries within one request.
	Workers int

	// BatchInterval is how often non-urgent batched notifications are
	// flushed as digests. DigestInterval is the slower cadence for
	// recipients who chose digest frequency.
	BatchInterval  time.Duration
	DigestInterval time.Duration

	// Rules are evaluated per request in descending priority order.
	Rules []Rule

	// Fallback, when set, receives requests whose recipient filtering
	// produced an empty set.
	Fallback *notify.Recipient

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = defaultBatchInterval
	}
	if c.DigestInterval <= 0 {
		c.DigestInterval = defaultDigestInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// HistoryItem is one completed dispatch kept in the in-memory ring.
type HistoryItem struct {
	RequestID string    `json:"request_id"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	Success   bool      `json:"success"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Batched   bool      `json:"batched"`
	Deferred  bool      `json:"deferred"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Snapshot is the state exposed for diagnostics.
type Snapshot struct {
	Running        bool          `json:"running"`
	Rules          int           `json:"rules"`
	PendingBatches int           `json:"pending_batches"`
	History        []HistoryItem `json:"history"`
}
