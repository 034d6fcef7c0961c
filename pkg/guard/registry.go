package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/opgate/opgate/pkg/engine"
)

// RateLimit is a token bucket for one provider.
type RateLimit struct {
	RPS   float64
	Burst int
}

// Registry maps providers to adapters and throttles dispatch per provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[engine.Provider]engine.Adapter
	limiters map[engine.Provider]*rate.Limiter
}

// NewRegistry creates an empty registry. Providers without a limit are not throttled.
func NewRegistry(limits map[engine.Provider]RateLimit) *Registry {
	r := &Registry{
		adapters: make(map[engine.Provider]engine.Adapter),
		limiters: make(map[engine.Provider]*rate.Limiter),
	}
	for p, l := range limits {
		if l.RPS <= 0 {
			continue
		}
		burst := l.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiters[p] = rate.NewLimiter(rate.Limit(l.RPS), burst)
	}
	return r
}

// Register sets the adapter for a provider, replacing any previous one.
func (r *Registry) Register(provider engine.Provider, adapter engine.Adapter) error {
	if err := provider.Validate(); err != nil {
		return err
	}
	if adapter == nil {
		return fmt.Errorf("adapter for %s is nil", provider)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = adapter
	return nil
}

// Adapter returns the adapter for provider, or an UNSUPPORTED adapter error.
func (r *Registry) Adapter(provider engine.Provider) (engine.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, engine.NewAdapterError(engine.ErrCodeUnsupported,
			fmt.Sprintf("no adapter registered for provider %s", provider), nil)
	}
	return a, nil
}

// Providers returns the providers that have an adapter, in stable order.
func (r *Registry) Providers() []engine.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []engine.Provider
	for _, p := range engine.Providers() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Wait blocks until provider may be called. A cancelled or exceeded deadline is
// reported as THROTTLED; the call was never made.
func (r *Registry) Wait(ctx context.Context, provider engine.Provider) error {
	r.mu.RLock()
	l := r.limiters[provider]
	r.mu.RUnlock()
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		msg := fmt.Sprintf("rate limit for %s not available", provider)
		if errors.Is(err, context.Canceled) {
			msg = "cancelled while waiting for rate limit"
		}
		return engine.NewAdapterError(engine.ErrCodeThrottled, msg, err)
	}
	return nil
}
