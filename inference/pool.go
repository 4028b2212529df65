package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/symbol-reader-service/detections"
)

const (
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
	maxRecordedErrors = 10
)

var ErrPoolClosed = errors.New("pool is closed")

// Runner is a single model session owned by the pool.
type Runner interface {
	detections.Engine
	Destroy() error
}

// Factory creates one Runner.
type Factory func() (Runner, error)

// SessionPool hands out a fixed number of sessions for one model. It
// implements detections.Engine so a pipeline can use it directly.
type SessionPool struct {
	sessions       chan Runner
	size           int
	factory        Factory
	acquireTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	lastErrors []error
	stop       chan struct{}

	metrics poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolMetrics is a snapshot of pool counters.
type PoolMetrics struct {
	Size            int      `json:"pool_size"`
	Idle            int      `json:"idle"`
	InUse           int      `json:"sessions_in_use"`
	TotalAcquired   int64    `json:"total_acquired"`
	TotalReleased   int64    `json:"total_released"`
	AcquireFailures int64    `json:"acquire_failures"`
	WaitTimeMs      int64    `json:"wait_time_ms"`
	RecentErrors    []string `json:"recent_errors,omitempty"`
}

func NewSessionPool(factory Factory, size int) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions:       make(chan Runner, size),
		size:           size,
		factory:        factory,
		acquireTimeout: AcquireTimeout,
		stop:           make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (Runner, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, errors.New("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session Runner) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Run executes one inference on a pooled session. A session whose run
// fails for a reason other than the context is discarded; the health check
// creates its replacement.
func (p *SessionPool) Run(ctx context.Context, inputs map[string]detections.Tensor) (map[string]detections.Tensor, error) {
	session, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	outputs, err := session.Run(ctx, inputs)
	if err != nil {
		p.recordError(err)
		if ctx.Err() == nil {
			p.discard(session)
		} else {
			p.Release(session)
		}
		return nil, err
	}
	p.Release(session)
	return outputs, nil
}

func (p *SessionPool) discard(session Runner) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.mu.Unlock()
	session.Destroy()
	go p.replenish()
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions that were lost, counting those still checked out.
func (p *SessionPool) replenish() {
	p.metrics.mu.RLock()
	inUse := p.metrics.inUse
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	missing := p.size - len(p.sessions) - inUse
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
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
		select {
		case p.sessions <- session:
		default:
			session.Destroy()
		}
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) Metrics() PoolMetrics {
	p.metrics.mu.RLock()
	m := PoolMetrics{
		Size:            p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTimeMs:      p.metrics.waitTime.Milliseconds(),
	}
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	m.Idle = len(p.sessions)
	for _, err := range p.lastErrors {
		m.RecentErrors = append(m.RecentErrors, err.Error())
	}
	p.mu.Unlock()
	return m
}
