package discovery

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/anstrom/discoverer/internal/iprange"
	"github.com/anstrom/discoverer/internal/metrics"
)

// JobStatus is the scheduling state of a job.
type JobStatus int

const (
	// JobQueued means the job sits in the queue FIFO.
	JobQueued JobStatus = iota
	// JobWaiting means the job is off the FIFO until a worker returns one of
	// its tasks, either because its concurrency cap is reached or because all
	// of its remaining tasks are being processed.
	JobWaiting
	// JobRemoving means the job was aborted while workers still hold tasks.
	JobRemoving
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobWaiting:
		return "waiting"
	case JobRemoving:
		return "removing"
	default:
		return "unknown"
	}
}

// Job holds every task generated by one execution of a rule.
type Job struct {
	ID          uuid.UUID
	RuleID      uint64
	RuleName    string
	Revision    uint64
	Concurrency int
	Status      JobStatus

	// Ranges and Checks are shared read-only by all tasks of the job.
	Ranges []iprange.Range
	Checks []*Check

	tasks       []*Task
	workersUsed int
	aborted     atomic.Bool
}

func newJob(rule *Rule, ranges []iprange.Range, checks []*Check, tasks []*Task) *Job {
	return &Job{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Revision:    rule.Revision,
		Concurrency: rule.Concurrency,
		Status:      JobQueued,
		Ranges:      ranges,
		Checks:      checks,
		tasks:       tasks,
	}
}

// PopTask removes the task at the head of the job. An unthrottled task of a
// job without a concurrency cap is split when it holds more than maxPerSplit
// units: the returned task keeps the first maxPerSplit units and the rest goes
// back to the tail of the job as a new task. A maxPerSplit of 0 disables
// splitting.
func (j *Job) PopTask(maxPerSplit uint64) *Task {
	t := j.popFront()
	if t == nil {
		return nil
	}

	if maxPerSplit == 0 || t.Throttled() || j.Concurrency != 0 || t.Remaining() <= maxPerSplit {
		return t
	}

	j.pushBack(t.split(maxPerSplit))
	metrics.IncrementTasksSplit()
	return t
}

// FreeTasks drops every task of the job and returns the number of units they
// still held.
func (j *Job) FreeTasks() uint64 {
	var freed uint64
	for _, t := range j.tasks {
		freed += t.Remaining()
	}
	j.tasks = nil
	return freed
}

// Abort records message for the job's rule, frees all tasks and subtracts the
// freed units from pending.
func (j *Job) Abort(pending *uint64, errs *RuleErrors, message string) {
	j.aborted.Store(true)
	errs.Add(j.RuleID, message)

	freed := j.FreeTasks()
	if freed > *pending {
		freed = *pending
	}
	*pending -= freed
}

// Aborted reports whether the job was aborted. Workers poll it between units.
func (j *Job) Aborted() bool {
	return j.aborted.Load()
}

// TaskCount returns the number of tasks still queued in the job.
func (j *Job) TaskCount() int {
	return len(j.tasks)
}

// Remaining returns the units held by the queued tasks of the job.
func (j *Job) Remaining() uint64 {
	var n uint64
	for _, t := range j.tasks {
		n += t.Remaining()
	}
	return n
}

func (j *Job) popFront() *Task {
	if len(j.tasks) == 0 {
		return nil
	}
	t := j.tasks[0]
	j.tasks[0] = nil
	j.tasks = j.tasks[1:]
	return t
}

func (j *Job) pushBack(t *Task) {
	j.tasks = append(j.tasks, t)
}

func (j *Job) peek() *Task {
	if len(j.tasks) == 0 {
		return nil
	}
	return j.tasks[0]
}

// rotateToUnthrottled moves head tasks to the tail until an unthrottled task
// leads. It leaves the order untouched and returns false when every task is
// throttled.
func (j *Job) rotateToUnthrottled() bool {
	idx := -1
	for i, t := range j.tasks {
		if !t.Throttled() {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}
	if idx > 0 {
		rotated := make([]*Task, 0, len(j.tasks))
		rotated = append(rotated, j.tasks[idx:]...)
		rotated = append(rotated, j.tasks[:idx]...)
		j.tasks = rotated
	}
	return true
}
