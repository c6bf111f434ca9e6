package discovery

import (
	"strconv"
	"sync"

	"github.com/anstrom/discoverer/internal/logging"
	"github.com/anstrom/discoverer/internal/metrics"
)

const (
	abortReconfigured = "discovery rule configuration changed"
	abortRemoved      = "discovery rule was removed"
)

// ScheduleReport summarizes one Schedule call.
type ScheduleReport struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// Manager feeds compiled rules into the queue and aborts them when they are
// removed or reconfigured.
type Manager struct {
	mu       sync.Mutex
	queue    *Queue
	compiler *Compiler
	sink     ResultSink
	known    map[uint64]uint64
}

// NewManager creates a manager. sink may be nil.
func NewManager(queue *Queue, compiler *Compiler, sink ResultSink) *Manager {
	return &Manager{
		queue:    queue,
		compiler: compiler,
		sink:     sink,
		known:    make(map[uint64]uint64),
	}
}

// Schedule compiles and queues the given rules. A rule whose job is still
// running is left alone unless its revision changed, in which case the old
// job is aborted first.
func (m *Manager) Schedule(rules []Rule) ScheduleReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		report       ScheduleReport
		compile      []Rule
		reconfigured RuleErrors
	)

	for i := range rules {
		rule := rules[i]
		m.known[rule.ID] = rule.Revision

		revision, running := m.queue.HasJob(rule.ID)
		if running {
			if revision == rule.Revision {
				report.Skipped++
				continue
			}
			m.queue.Abort(rule.ID, abortReconfigured)
			reconfigured.Add(rule.ID, abortReconfigured)
			logging.InfoRule("Aborted job of reconfigured rule", rule.ID,
				"old_revision", revision, "revision", rule.Revision)
		}
		compile = append(compile, rule)
	}

	if len(compile) == 0 {
		return report
	}

	batch := m.compiler.Compile(compile)
	m.queue.MergeErrors(batch.Rules, &batch.Errors)
	// The abort reason outlives the recompile that replaced the errors.
	m.queue.MergeErrors(nil, &reconfigured)
	report.Errors = batch.Errors.Len()
	for _, id := range batch.Errors.Rules() {
		metrics.IncrementRuleErrors(strconv.FormatUint(id, 10))
	}

	if m.sink != nil && len(batch.Counts) > 0 {
		m.sink.Expect(batch.Counts)
	}

	for _, job := range batch.Jobs {
		if err := m.queue.Push(job); err != nil {
			report.Failed++
			logging.ErrorRule("Failed to queue job", job.RuleID, err)
			continue
		}
		report.Scheduled++
		metrics.IncrementJobsScheduled()
	}

	logging.Info("Discovery rules scheduled",
		"scheduled", report.Scheduled,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"rules_with_errors", report.Errors)

	return report
}

// Remove aborts the job of ruleID and forgets the rule.
func (m *Manager) Remove(ruleID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(ruleID)
}

func (m *Manager) remove(ruleID uint64) bool {
	delete(m.known, ruleID)
	if _, running := m.queue.HasJob(ruleID); !running {
		m.queue.MergeErrors([]uint64{ruleID}, &RuleErrors{})
		return false
	}
	m.queue.Abort(ruleID, abortRemoved)
	logging.InfoRule("Aborted job of removed rule", ruleID)
	return true
}

// Sync makes rules the complete set of known rules: rules missing from it are
// removed, the rest are scheduled.
func (m *Manager) Sync(rules []Rule) ScheduleReport {
	present := make(map[uint64]struct{}, len(rules))
	for i := range rules {
		present[rules[i].ID] = struct{}{}
	}

	m.mu.Lock()
	for id := range m.known {
		if _, ok := present[id]; !ok {
			m.remove(id)
		}
	}
	m.mu.Unlock()

	return m.Schedule(rules)
}

// RuleErrors returns the newline joined errors of ruleID.
func (m *Manager) RuleErrors(ruleID uint64) string {
	return m.queue.RuleErrors(ruleID)
}

// Stats returns the queue statistics.
func (m *Manager) Stats() QueueStats {
	return m.queue.Stats()
}
