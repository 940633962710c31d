package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/taskflow/types"
)

// WorkerOptions configures admission for one registered worker.
type WorkerOptions struct {
	// MaxConcurrent bounds in-flight calls; <= 0 means 1.
	MaxConcurrent int
	// RateLimit is calls per second; <= 0 means unlimited.
	RateLimit float64
	// Burst defaults to MaxConcurrent.
	Burst int
	// Breaker overrides the pool's default breaker config.
	Breaker *BreakerConfig
}

// SelectionPolicy chooses a worker for a task among available candidates.
// candidates is never empty and is sorted by name.
type SelectionPolicy interface {
	Select(task *types.Task, candidates []string) string
}

// MetadataPolicy honours Metadata["worker"] when it names a candidate and
// otherwise round-robins.
type MetadataPolicy struct {
	next atomic.Uint64
}

func (p *MetadataPolicy) Select(task *types.Task, candidates []string) string {
	if preferred := task.MetaString(types.MetaWorker); preferred != "" {
		for _, c := range candidates {
			if c == preferred {
				return c
			}
		}
	}
	n := p.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

type pooledWorker struct {
	worker  Worker
	sem     *semaphore.Weighted
	limit   int
	limiter *rate.Limiter
	breaker *circuitBreaker
	active  atomic.Int64
}

// WorkerPool holds registered workers and gates calls into them.
type WorkerPool struct {
	workers map[string]*pooledWorker
	names   []string
	policy  SelectionPolicy
	breaker BreakerConfig
	logger  *zap.Logger
	mu      sync.RWMutex
}

// PoolOption customizes a WorkerPool.
type PoolOption func(*WorkerPool)

// WithSelectionPolicy replaces the default MetadataPolicy.
func WithSelectionPolicy(p SelectionPolicy) PoolOption {
	return func(wp *WorkerPool) { wp.policy = p }
}

// WithBreakerConfig sets the default breaker config for registered workers.
func WithBreakerConfig(c BreakerConfig) PoolOption {
	return func(wp *WorkerPool) { wp.breaker = c }
}

// NewWorkerPool creates an empty pool.
func NewWorkerPool(logger *zap.Logger, opts ...PoolOption) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WorkerPool{
		workers: make(map[string]*pooledWorker),
		policy:  &MetadataPolicy{},
		breaker: DefaultBreakerConfig(),
		logger:  logger.With(zap.String("component", "worker_pool")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a worker. Names must be unique.
func (p *WorkerPool) Register(w Worker, opts WorkerOptions) error {
	if w == nil || w.Name() == "" {
		return types.NewError(types.ErrValidation, "worker must have a name")
	}
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	breakerCfg := p.breaker
	if opts.Breaker != nil {
		breakerCfg = *opts.Breaker
	}

	pw := &pooledWorker{
		worker:  w,
		sem:     semaphore.NewWeighted(int64(limit)),
		limit:   limit,
		breaker: newCircuitBreaker(w.Name(), breakerCfg, p.logger),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = limit
		}
		pw.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.workers[w.Name()]; exists {
		return types.Errorf(types.ErrValidation, "worker %q already registered", w.Name())
	}
	p.workers[w.Name()] = pw
	p.names = append(p.names, w.Name())
	sort.Strings(p.names)

	p.logger.Info("worker registered",
		zap.String("worker", w.Name()),
		zap.Int("max_concurrent", limit),
		zap.Float64("rate_limit", opts.RateLimit))
	return nil
}

// Len returns the number of registered workers.
func (p *WorkerPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.names)
}

// Names returns registered worker names, sorted.
func (p *WorkerPool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.names...)
}

// Select picks a worker for task among those whose breaker admits traffic.
func (p *WorkerPool) Select(task *types.Task) (string, error) {
	p.mu.RLock()
	candidates := make([]string, 0, len(p.names))
	for _, name := range p.names {
		if p.workers[name].breaker.Available() {
			candidates = append(candidates, name)
		}
	}
	total := len(p.names)
	p.mu.RUnlock()

	if total == 0 {
		return "", types.NewError(types.ErrValidation, "no workers registered").WithTask(task.ID)
	}
	if len(candidates) == 0 {
		return "", types.NewError(types.ErrTaskExecution, "all workers unavailable").
			WithTask(task.ID).WithRetryable(true)
	}
	return p.policy.Select(task, candidates), nil
}

// Call runs input on the named worker, holding its admission gate for the
// duration of the call. Worker errors are returned as-is; a nil result with
// a nil error is reported as a failure.
func (p *WorkerPool) Call(ctx context.Context, name string, input any) (*types.TaskResult, error) {
	p.mu.RLock()
	pw, ok := p.workers[name]
	p.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "unknown worker %q", name)
	}

	if err := pw.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer pw.sem.Release(1)

	if pw.limiter != nil {
		if err := pw.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := pw.breaker.Allow(); err != nil {
		return nil, err
	}

	pw.active.Add(1)
	defer pw.active.Add(-1)

	start := time.Now()
	res, err := pw.worker.Execute(ctx, input)
	if err == nil && res == nil {
		err = fmt.Errorf("worker %s returned no result", name)
	}
	if err != nil || !res.Success {
		pw.breaker.RecordFailure()
	} else {
		pw.breaker.RecordSuccess()
	}
	if res != nil && res.Latency == 0 {
		res.Latency = time.Since(start)
	}
	return res, err
}

// WorkerStats is a point-in-time view of one worker.
type WorkerStats struct {
	Name          string `json:"name"`
	MaxConcurrent int    `json:"max_concurrent"`
	Active        int64  `json:"active"`
	Breaker       string `json:"breaker"`
}

// Stats returns a snapshot of every worker, sorted by name.
func (p *WorkerPool) Stats() []WorkerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := make([]WorkerStats, 0, len(p.names))
	for _, name := range p.names {
		pw := p.workers[name]
		stats = append(stats, WorkerStats{
			Name:          name,
			MaxConcurrent: pw.limit,
			Active:        pw.active.Load(),
			Breaker:       pw.breaker.State().String(),
		})
	}
	return stats
}
