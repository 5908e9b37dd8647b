// Package delivery hands rendered messages to channel providers with
// ordered failover and bounded retry.
//
// Policy: breadth before depth. Every provider for a channel is tried once
// per round; only after the whole round fails does the controller back off
// and retry, because a provider-wide outage is more common than a single
// transient failure. Providers themselves never retry.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"herald/internal/notify"
	logx "herald/pkg/logx"
)

var (
	ErrNoProviders = errors.New("no providers configured for channel")

	// ErrAllProvidersFailed is terminal for one delivery attempt. It is
	// recorded into the outcome, never thrown to the dispatch caller.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// Options bound one failover send.
type Options struct {
	MaxRetries int           // rounds through the provider list (min 1)
	BaseDelay  time.Duration // backoff seed between rounds
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 1
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	return o
}

// Result reports where a message ended up.
type Result struct {
	Provider  string
	MessageID string
	Attempts  int // provider send calls made
	Err       error
}

// Controller performs rate-limited, failover-ordered sends.
type Controller struct {
	reg *Registry

	mu  sync.RWMutex
	opt Options

	log logx.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewController(reg *Registry, opt Options, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{reg: reg, opt: opt.withDefaults(), log: log, sleep: sleepCtx}
}

// SetOptions swaps the retry bounds at runtime; in-flight sends keep the
// options they started with.
func (c *Controller) SetOptions(opt Options) {
	c.mu.Lock()
	c.opt = opt.withDefaults()
	c.mu.Unlock()
}

// Send tries every provider for the channel in order, with exponential
// backoff between rounds. The first success wins. On total failure the
// Result carries the last provider error wrapped in ErrAllProvidersFailed.
func (c *Controller) Send(ctx context.Context, ch notify.Channel, msg notify.Message) Result {
	providers := c.reg.Providers(ch)
	if len(providers) == 0 {
		return Result{Err: fmt.Errorf("%w: %s", ErrNoProviders, ch)}
	}

	c.mu.RLock()
	opt := c.opt
	c.mu.RUnlock()

	res := Result{}
	var lastErr error
	for round := 0; round < opt.MaxRetries; round++ {
		for _, p := range providers {
			if err := c.waitRate(ctx, ch); err != nil {
				res.Err = err
				return res
			}

			res.Attempts++
			receipt, err := p.Send(ctx, msg)
			if err == nil {
				res.Provider = p.Name()
				res.MessageID = receipt.MessageID
				return res
			}
			lastErr = err
			c.log.Debug("provider send failed",
				logx.String("channel", string(ch)),
				logx.String("provider", p.Name()),
				logx.Int("round", round),
				logx.Err(err))
		}

		if round < opt.MaxRetries-1 {
			delay := opt.BaseDelay * (1 << uint(round))
			if err := c.sleep(ctx, delay); err != nil {
				res.Err = err
				return res
			}
		}
	}

	res.Err = fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
	return res
}

func (c *Controller) waitRate(ctx context.Context, ch notify.Channel) error {
	lim := c.reg.limiter(ch)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// sleepCtx blocks for d, honoring cancellation. The wait is local to one
// delivery; concurrent deliveries are never blocked by it.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
