package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/pointcloud-segmentation/segmentation"
	"go.uber.org/zap"
)

const (
	DefaultPoolSize   = 1
	AcquireTimeout    = 30 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var ErrPoolClosed = errors.New("pool is closed")

// RunnerFactory creates one model session.
type RunnerFactory func() (segmentation.Runner, error)

// ModelSessionPool hands out model sessions to concurrent scene workers.
// ONNX Runtime sessions are not safe for concurrent Run calls on shared
// tensors, so each worker holds a session exclusively.
type ModelSessionPool struct {
	sessions   chan segmentation.Runner
	size       int
	factory    RunnerFactory
	logger     *zap.Logger
	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup
	metrics    *PoolMetrics
	lastErrors []error

	acquireTimeout time.Duration
}

type PoolMetrics struct {
	mu              sync.RWMutex
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// PoolSnapshot is a copy of the pool counters.
type PoolSnapshot struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

func NewModelSessionPool(factory RunnerFactory, size int, logger *zap.Logger) (*ModelSessionPool, error) {
	return newModelSessionPool(factory, size, logger, HealthCheckPeriod)
}

func newModelSessionPool(factory RunnerFactory, size int, logger *zap.Logger, healthPeriod time.Duration) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:       make(chan segmentation.Runner, size),
		size:           size,
		factory:        factory,
		logger:         logger,
		done:           make(chan struct{}),
		metrics:        &PoolMetrics{},
		acquireTimeout: AcquireTimeout,
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	pool.wg.Add(1)
	go pool.healthCheck(healthPeriod)

	return pool, nil
}

// Size returns the configured number of sessions.
func (p *ModelSessionPool) Size() int {
	return p.size
}

// Shape returns the tensor layout shared by all sessions of the pool.
func (p *ModelSessionPool) Shape(ctx context.Context) (segmentation.Shape, error) {
	session, err := p.Acquire(ctx)
	if err != nil {
		return segmentation.Shape{}, err
	}
	defer p.Release(session)
	return session.Shape(), nil
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (segmentation.Runner, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
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
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session segmentation.Runner) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}
	p.offer(session)
}

// offer returns a session to the channel, destroying it if the pool is
// already full. Callers hold p.mu.
func (p *ModelSessionPool) offer(session segmentation.Runner) bool {
	select {
	case p.sessions <- session:
		return true
	default:
		session.Destroy()
		return false
	}
}

// Discard drops a session that failed and lets the health check replace it.
func (p *ModelSessionPool) Discard(session segmentation.Runner, cause error) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.mu.Unlock()

	p.recordError(cause)
	session.Destroy()
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

// replenishSessions recreates sessions lost through Discard.
func (p *ModelSessionPool) replenishSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.metrics.mu.RLock()
	missing := p.size - len(p.sessions) - p.metrics.InUse
	p.metrics.mu.RUnlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.lastErrors = appendError(p.lastErrors, err)
			p.logger.Warn("Failed to replenish model session", zap.Error(err))
			continue
		}
		if p.offer(session) {
			p.logger.Info("Replenished model session")
		}
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErrors = appendError(p.lastErrors, err)
}

func appendError(errs []error, err error) []error {
	errs = append(errs, err)
	if len(errs) > 10 {
		errs = errs[1:]
	}
	return errs
}

// LastErrors returns up to the ten most recent session failures.
func (p *ModelSessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *ModelSessionPool) GetMetrics() PoolSnapshot {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolSnapshot{
		Size:            p.size,
		InUse:           p.metrics.InUse,
		TotalAcquired:   p.metrics.TotalAcquired,
		TotalReleased:   p.metrics.TotalReleased,
		AcquireFailures: p.metrics.AcquireFailures,
		WaitTime:        p.metrics.WaitTime,
	}
}
