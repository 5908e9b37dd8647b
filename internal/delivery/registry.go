package delivery

import (
	"sync"

	"golang.org/x/time/rate"

	"herald/internal/notify"
)

// Registry maps each channel to its ordered provider list (failover order)
// and an optional per-channel rate limiter.
//
// Read-mostly: providers are registered at startup and replaced wholesale
// on config reload.
type Registry struct {
	mu        sync.RWMutex
	providers map[notify.Channel][]notify.Provider
	limiters  map[notify.Channel]*rate.Limiter
}

func NewRegistry() *Registry {
	return &Registry{
		providers: map[notify.Channel][]notify.Provider{},
		limiters:  map[notify.Channel]*rate.Limiter{},
	}
}

// Register appends providers for a channel in failover order.
func (r *Registry) Register(ch notify.Channel, ps ...notify.Provider) {
	if len(ps) == 0 {
		return
	}
	r.mu.Lock()
	r.providers[ch] = append(r.providers[ch], ps...)
	r.mu.Unlock()
}

// Replace swaps the whole provider table, used on config reload.
func (r *Registry) Replace(providers map[notify.Channel][]notify.Provider) {
	r.mu.Lock()
	r.providers = make(map[notify.Channel][]notify.Provider, len(providers))
	for ch, ps := range providers {
		r.providers[ch] = append([]notify.Provider(nil), ps...)
	}
	r.mu.Unlock()
}

// SetRate installs a token-bucket limiter for a channel. Zero or negative
// perSec removes the limit. Burst equals the per-second rate so short
// spikes don't block too hard.
func (r *Registry) SetRate(ch notify.Channel, perSec int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perSec <= 0 {
		delete(r.limiters, ch)
		return
	}
	r.limiters[ch] = rate.NewLimiter(rate.Limit(perSec), perSec)
}

// Providers returns the failover-ordered provider list for a channel.
func (r *Registry) Providers(ch notify.Channel) []notify.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]notify.Provider(nil), r.providers[ch]...)
}

// Channels lists channels that have at least one provider.
func (r *Registry) Channels() []notify.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]notify.Channel, 0, len(r.providers))
	for ch, ps := range r.providers {
		if len(ps) > 0 {
			out = append(out, ch)
		}
	}
	return out
}

func (r *Registry) limiter(ch notify.Channel) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[ch]
}
