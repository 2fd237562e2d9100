package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
	maxRecordedErrors = 10
)

type SessionFactory func() (Session, error)

type PoolConfig struct {
	Size              int
	AcquireTimeout    time.Duration
	HealthCheckPeriod time.Duration
}

// SessionPool hands out sessions one caller at a time. Sessions discarded
// after a failed run are recreated by a background loop.
type SessionPool struct {
	sessions       chan Session
	size           int
	factory        SessionFactory
	acquireTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error

	metricsMu sync.RWMutex
	metrics   PoolMetrics

	stop chan struct{}
	done chan struct{}
}

// PoolMetrics is a point-in-time snapshot of pool activity.
type PoolMetrics struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

// NewSessionPool creates cfg.Size sessions up front; any factory failure
// tears the pool down and is returned.
func NewSessionPool(factory SessionFactory, cfg PoolConfig) (*SessionPool, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = AcquireTimeout
	}
	if cfg.HealthCheckPeriod <= 0 {
		cfg.HealthCheckPeriod = HealthCheckPeriod
	}

	pool := &SessionPool{
		sessions:       make(chan Session, cfg.Size),
		size:           cfg.Size,
		factory:        factory,
		acquireTimeout: cfg.AcquireTimeout,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	pool.metrics.Size = cfg.Size

	for i := 0; i < cfg.Size; i++ {
		session, err := factory()
		if err != nil {
			close(pool.done)
			pool.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck(cfg.HealthCheckPeriod)

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrModelClosed
	}

	start := time.Now()
	defer func() {
		p.metricsMu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metricsMu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrModelClosed
		}
		p.metricsMu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metricsMu.Unlock()
		return session, nil
	case <-timer.C:
		p.metricsMu.Lock()
		p.metrics.AcquireFailures++
		p.metricsMu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a healthy session. After Close it is destroyed instead.
func (p *SessionPool) Release(session Session) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metricsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed and lets the health check replace it.
func (p *SessionPool) Discard(session Session, cause error) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.Discarded++
	p.metricsMu.Unlock()

	session.Destroy()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.recordError(cause)
}

// Close stops the health check and destroys idle sessions. Sessions still in
// use are destroyed when released.
func (p *SessionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
	p.mu.Unlock()

	<-p.done
}

func (p *SessionPool) healthCheck(period time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			missing := p.size - p.live
			p.mu.Unlock()

			if missing > 0 {
				p.replenishSessions(missing)
			}
		}
	}
}

func (p *SessionPool) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
	}
	log.Debug().Int("count", count).Msg("session pool replenished")
}

func (p *SessionPool) recordError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool) GetMetrics() PoolMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	return p.metrics
}
