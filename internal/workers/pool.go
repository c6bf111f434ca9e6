// Package workers provides the pool of discovery workers. Each worker leases
// a task from the discovery queue, probes its units one by one, reports every
// result to the result sink and returns the lease with the number of units it
// consumed. The pool supports rate limiting, graceful shutdown, and integrates
// with the structured logging and metrics systems.
package workers

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/errors"
	"github.com/anstrom/discoverer/internal/logging"
	"github.com/anstrom/discoverer/internal/metrics"
)

// LeaseSource hands out tasks to workers. *discovery.Queue implements it.
type LeaseSource interface {
	Acquire(ctx context.Context) (*discovery.Lease, error)
	Complete(lease *discovery.Lease, processed uint64)
	RegisterWorker()
	DeregisterWorker()
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// RateLimit is the maximum number of probes per second across the pool
	// (0 = no limit).
	RateLimit float64
	// Burst is the number of probes allowed to exceed RateLimit at once.
	Burst int
	// ShutdownTimeout is the maximum time to wait for workers to finish.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            10,
		RateLimit:       0,
		Burst:           1,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of discovery workers.
type Pool struct {
	config   Config
	source   LeaseSource
	prober   discovery.Prober
	sink     discovery.ResultSink
	limiter  *rate.Limiter
	workers  []*worker
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	busy     atomic.Int32
	probed   atomic.Uint64
	started  atomic.Bool
	shutdown atomic.Bool
	logger   *logging.Logger
}

// worker represents a single worker goroutine.
type worker struct {
	id   int
	pool *Pool
}

// New creates a new worker pool with the given configuration.
func New(config Config, source LeaseSource, prober discovery.Prober, sink discovery.ResultSink) *Pool {
	if config.Size <= 0 {
		config.Size = DefaultConfig().Size
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		config:  config,
		source:  source,
		prober:  prober,
		sink:    sink,
		workers: make([]*worker, config.Size),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logging.Default().WithComponent("workers"),
	}

	// Set up rate limiter if configured
	if config.RateLimit > 0 {
		pool.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(config.Burst, 1))
	}

	// Create workers
	for i := 0; i < config.Size; i++ {
		pool.workers[i] = &worker{
			id:   i,
			pool: pool,
		}
	}

	return pool
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.logger.Info("Starting worker pool",
		"worker_count", p.config.Size,
		"rate_limit", p.config.RateLimit)

	for _, w := range p.workers {
		p.source.RegisterWorker()
		p.wg.Add(1)
		go w.run()
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	metrics.Gauge("worker_pool_size", float64(p.config.Size), metrics.Labels{
		metrics.LabelComponent: "workers",
	})
}

// Shutdown stops the workers. In-flight probes are canceled and the units
// they did not finish go back to the queue. It returns an error when the
// workers did not stop within the shutdown timeout.
func (p *Pool) Shutdown() error {
	if !p.shutdown.CompareAndSwap(false, true) {
		// Already shut down
		return nil
	}

	p.logger.Info("Shutting down worker pool")
	p.cancel()

	if !p.started.Load() {
		return nil
	}

	select {
	case <-p.done:
		p.logger.Info("Worker pool shutdown completed", "probes", p.probed.Load())
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timeout",
			"timeout", p.config.ShutdownTimeout,
			"busy", p.Busy())
		return fmt.Errorf("worker pool did not stop within %s", p.config.ShutdownTimeout)
	}
}

// Wait waits for all workers to stop.
func (p *Pool) Wait() {
	<-p.done
}

// Busy returns the number of workers currently holding a lease.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Probed returns the number of units probed since the pool was started.
func (p *Pool) Probed() uint64 {
	return p.probed.Load()
}

// run executes the worker loop.
func (w *worker) run() {
	defer w.pool.wg.Done()
	defer w.pool.source.DeregisterWorker()

	logger := w.pool.logger.WithFields("worker_id", w.id)
	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	for {
		lease, err := w.pool.source.Acquire(w.pool.ctx)
		if err != nil {
			if !stderrors.Is(err, discovery.ErrQueueClosed) && w.pool.ctx.Err() == nil {
				logger.Error("Failed to acquire task", "error", err)
			}
			return
		}

		metrics.SetWorkersBusy(int(w.pool.busy.Add(1)))
		processed := w.process(lease)
		w.pool.source.Complete(lease, processed)
		metrics.SetWorkersBusy(int(w.pool.busy.Add(-1)))
	}
}

// process probes the units of a leased task until the task is exhausted, its
// job is aborted or the pool shuts down. It returns the number of units
// consumed.
func (w *worker) process(lease *discovery.Lease) uint64 {
	ctx := w.pool.ctx
	job := lease.Job
	task := lease.Task
	logger := w.pool.logger.WithRuleID(job.RuleID).WithFields("worker_id", w.id)

	var processed uint64
	for !task.Exhausted() && !job.Aborted() {
		if w.pool.limiter != nil {
			if err := w.pool.limiter.Wait(ctx); err != nil {
				break
			}
		}

		unit := task.Current()
		result, ok := w.probe(ctx, logger, unit)
		if !ok {
			break
		}
		w.pool.sink.Record(job.RuleID, unit.Address.String(), result)
		w.pool.probed.Add(1)

		processed++
		if !task.RangeCheckIter() {
			break
		}
	}

	logger.Debug("Task finished",
		"job_id", job.ID,
		"processed", processed,
		"remaining", task.Remaining(),
		"aborted", job.Aborted())

	return processed
}

// probe runs one unit. It returns false when the probe was interrupted by
// shutdown, in which case the unit stays with the task.
func (w *worker) probe(ctx context.Context, logger *logging.Logger, unit discovery.Unit) (discovery.ServiceResult, bool) {
	checkType := string(unit.Check.Type)

	start := time.Now()
	res, err := w.pool.prober.Probe(ctx, discovery.ProbeRequest{
		Address: unit.Address,
		Port:    unit.Port,
		Check:   unit.Check,
	})
	duration := time.Since(start)

	if ctx.Err() != nil {
		return discovery.ServiceResult{}, false
	}

	result := discovery.ServiceResult{
		CheckID:   unit.Check.ID,
		Type:      unit.Check.Type,
		Port:      unit.Port,
		Up:        res.Up && err == nil,
		Value:     res.Value,
		Unique:    unit.Check.Unique,
		Duration:  duration,
		CheckedAt: start,
	}

	status := "down"
	switch {
	case err != nil:
		status = "error"
		result.Error = err.Error()
		metrics.IncrementProbeErrors(checkType, string(errors.GetCode(err)))
		logger.WithAddress(unit.Address.String()).WithError(err).Debug("Probe error",
			"check_type", checkType,
			"port", strconv.FormatUint(uint64(unit.Port), 10))
	case result.Up:
		status = "up"
	}
	metrics.RecordProbe(checkType, status, duration)

	return result, true
}
