package classifier

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Probe checks backend availability. Results are never cached.
type Probe struct {
	timeout time.Duration
}

func NewProbe(timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Probe{timeout: timeout}
}

// IsAvailable asks b within the probe timeout. A timeout, cancellation or
// panic counts as unavailable.
func (p *Probe) IsAvailable(ctx context.Context, b Backend) bool {
	if b == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Warn().Interface("panic", rec).Str("backend", b.Name()).Msg("availability check panicked")
				result <- false
			}
		}()
		result <- b.IsAvailable(ctx)
	}()

	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Select returns the first available backend in preference order.
func (p *Probe) Select(ctx context.Context, backends ...Backend) (Backend, error) {
	for _, b := range backends {
		if p.IsAvailable(ctx, b) {
			return b, nil
		}
	}
	return nil, ErrNoBackend
}

// Status probes every backend concurrently and reports availability by name.
func (p *Probe) Status(ctx context.Context, backends ...Backend) map[string]bool {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]bool, len(backends))
	)
	for _, b := range backends {
		if b == nil {
			continue
		}
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			ok := p.IsAvailable(ctx, b)
			mu.Lock()
			out[b.Name()] = ok
			mu.Unlock()
		}(b)
	}
	wg.Wait()
	return out
}
