package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrQueueClosed is returned once the queue has been shut down.
	ErrQueueClosed = errors.New("discovery queue is shut down")
	// ErrEmptyJob is returned when pushing a job without tasks.
	ErrEmptyJob = errors.New("job has no tasks")
	// ErrJobExists is returned when a rule already has a live job.
	ErrJobExists = errors.New("rule already has a job")
)

// QueueConfig sizes the queue.
type QueueConfig struct {
	// ChecksPerWorkerMax is the largest number of units a split task may
	// hold; 0 disables splitting.
	ChecksPerWorkerMax uint64
	// SNMPv3Sessions is the number of throttled-family checks that may run at
	// the same time.
	SNMPv3Sessions int
}

// Lease is a task handed to a worker together with the job it belongs to.
type Lease struct {
	Job  *Job
	Task *Task
	// Throttled is set when the lease holds a throttle permit.
	Throttled bool
}

// QueueStats is a snapshot of the queue counters.
type QueueStats struct {
	Queued  int    `json:"queued"`
	Active  int    `json:"active"`
	Pending uint64 `json:"pending"`
	Permits int    `json:"permits"`
	Workers int    `json:"workers"`
}

// Queue is the FIFO of jobs shared by the manager and the workers. One mutex
// and one condition variable protect the FIFO, the pending counter and the
// throttle permits.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	jobs        []*Job
	active      map[uint64]*Job
	pending     uint64
	permits     int
	maxPerSplit uint64
	workers     int
	errors      RuleErrors
	closed      bool
}

// NewQueue creates a queue. A queue without throttle permits could never run
// a throttled check, so SNMPv3Sessions must be positive.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.SNMPv3Sessions <= 0 {
		return nil, fmt.Errorf("snmpv3 session limit must be positive, got %d", cfg.SNMPv3Sessions)
	}

	q := &Queue{
		active:      make(map[uint64]*Job),
		permits:     cfg.SNMPv3Sessions,
		maxPerSplit: cfg.ChecksPerWorkerMax,
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Push appends job to the FIFO and wakes one waiting worker.
func (q *Queue) Push(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if job.TaskCount() == 0 {
		return ErrEmptyJob
	}
	// A removing job only waits for its workers; its successor takes the
	// slot and the old job is freed by its last Complete.
	if old, ok := q.active[job.RuleID]; ok && old.Status != JobRemoving {
		return fmt.Errorf("%w: rule %d", ErrJobExists, job.RuleID)
	}

	job.Status = JobQueued
	q.jobs = append(q.jobs, job)
	q.active[job.RuleID] = job
	q.pending += job.Remaining()
	q.cond.Signal()
	return nil
}

// Pop takes one task from the queue without blocking. It returns nil when no
// task can be handed out right now.
func (q *Queue) Pop() *Lease {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	return q.next()
}

// Wait blocks until the next Push, Complete or Shutdown, or until ctx is done.
func (q *Queue) Wait(ctx context.Context) {
	stop := context.AfterFunc(ctx, q.broadcast)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || ctx.Err() != nil {
		return
	}
	q.cond.Wait()
}

// Acquire blocks until a task is available and hands it to the caller. The
// caller owns the task until it passes the lease to Complete.
func (q *Queue) Acquire(ctx context.Context) (*Lease, error) {
	stop := context.AfterFunc(ctx, q.broadcast)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if lease := q.next(); lease != nil {
			return lease, nil
		}
		q.cond.Wait()
	}
}

func (q *Queue) broadcast() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// next pops a job, takes a task from it and decides where the job goes while
// the task is out. Must be called with q.mu held.
func (q *Queue) next() *Lease {
	job, permit := q.pop()
	if job == nil {
		return nil
	}

	task := job.PopTask(q.maxPerSplit)
	job.workersUsed++

	if job.TaskCount() > 0 && (job.Concurrency == 0 || job.workersUsed < job.Concurrency) {
		job.Status = JobQueued
		q.jobs = append(q.jobs, job)
		q.cond.Signal()
	} else {
		job.Status = JobWaiting
	}

	return &Lease{Job: job, Task: task, Throttled: permit}
}

// pop removes the first job whose head task can run now. Throttled head tasks
// need a permit; without one the job either offers an unthrottled task or is
// moved to the tail. Each rule is revisited at most once per call so that a
// queue of blocked jobs does not spin. Must be called with q.mu held.
func (q *Queue) pop() (*Job, bool) {
	var revisited map[uint64]struct{}

	for len(q.jobs) > 0 {
		job := q.jobs[0]

		task := job.peek()
		if task == nil {
			q.jobs = q.jobs[1:]
			job.Status = JobWaiting
			if job.workersUsed == 0 {
				q.finish(job)
			}
			continue
		}

		if !task.Throttled() {
			q.jobs = q.jobs[1:]
			return job, false
		}

		if q.permits > 0 {
			q.permits--
			q.jobs = q.jobs[1:]
			return job, true
		}

		if job.rotateToUnthrottled() {
			q.jobs = q.jobs[1:]
			return job, false
		}

		if revisited == nil {
			revisited = make(map[uint64]struct{})
		}
		if _, ok := revisited[job.RuleID]; ok {
			return nil, false
		}
		revisited[job.RuleID] = struct{}{}
		q.jobs = append(q.jobs[1:], job)
	}

	return nil, false
}

// Complete returns a lease. processed is the number of units the worker
// consumed; units the task still holds go back to its job unless the job was
// aborted.
func (q *Queue) Complete(lease *Lease, processed uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending -= min(processed, q.pending)
	if lease.Throttled {
		q.permits++
	}

	job := lease.Job
	job.workersUsed--

	if rest := lease.Task.Remaining(); rest > 0 {
		if job.Status == JobRemoving || q.closed {
			q.pending -= min(rest, q.pending)
		} else {
			job.pushBack(lease.Task)
		}
	}

	switch job.Status {
	case JobRemoving:
		if job.workersUsed == 0 {
			q.finish(job)
		}
	case JobWaiting:
		if job.TaskCount() > 0 {
			job.Status = JobQueued
			q.jobs = append(q.jobs, job)
		} else if job.workersUsed == 0 {
			q.finish(job)
		}
	}

	q.cond.Broadcast()
}

// Abort drops the live job of ruleID, recording message in the rule's error
// list. It returns false when the rule has no live job; the message is
// recorded either way.
func (q *Queue) Abort(ruleID uint64, message string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.active[ruleID]
	if !ok || job.Status == JobRemoving {
		q.errors.Add(ruleID, message)
		return false
	}

	job.Abort(&q.pending, &q.errors, message)
	q.remove(job)

	if job.workersUsed == 0 {
		q.finish(job)
	} else {
		job.Status = JobRemoving
	}
	return true
}

func (q *Queue) remove(job *Job) {
	for i, j := range q.jobs {
		if j == job {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return
		}
	}
}

func (q *Queue) finish(job *Job) {
	if q.active[job.RuleID] == job {
		delete(q.active, job.RuleID)
	}
}

// HasJob reports whether ruleID has a live job, returning its revision. An
// aborted job whose workers have not returned yet is not live.
func (q *Queue) HasJob(ruleID uint64) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.active[ruleID]
	if !ok || job.Status == JobRemoving {
		return 0, false
	}
	return job.Revision, true
}

// RuleErrors returns the newline joined error messages of ruleID.
func (q *Queue) RuleErrors(ruleID uint64) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errors.String(ruleID)
}

// MergeErrors replaces the errors of the given rules with the ones in errs.
func (q *Queue) MergeErrors(ruleIDs []uint64, errs *RuleErrors) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ruleIDs {
		q.errors.Clear(id)
	}
	q.errors.Merge(errs)
}

// RegisterWorker records a live worker.
func (q *Queue) RegisterWorker() {
	q.mu.Lock()
	q.workers++
	q.mu.Unlock()
}

// DeregisterWorker forgets a live worker.
func (q *Queue) DeregisterWorker() {
	q.mu.Lock()
	if q.workers > 0 {
		q.workers--
	}
	q.mu.Unlock()
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Queued:  len(q.jobs),
		Active:  len(q.active),
		Pending: q.pending,
		Permits: q.permits,
		Workers: q.workers,
	}
}

// Shutdown closes the queue and wakes every waiting worker. Queued jobs are
// dropped.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, job := range q.jobs {
		job.FreeTasks()
	}
	q.jobs = nil
	q.pending = 0
	q.cond.Broadcast()
}
