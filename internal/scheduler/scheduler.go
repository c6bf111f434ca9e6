// Package scheduler re-submits discovery rules to the discovery manager at
// each rule's interval. Every rule gets its own cron entry; a tick while the
// rule's previous job is still queued is skipped by the manager.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/logging"
	"github.com/anstrom/discoverer/internal/rules"
)

const minDelay = time.Second

// RuleManager schedules compiled rules. *discovery.Manager implements it.
type RuleManager interface {
	Schedule(rules []discovery.Rule) discovery.ScheduleReport
	Sync(rules []discovery.Rule) discovery.ScheduleReport
	Remove(ruleID uint64) bool
}

// Scheduler manages the periodic scheduling of discovery rules.
type Scheduler struct {
	manager      RuleManager
	cron         *cron.Cron
	defaultDelay time.Duration
	entries      map[uint64]*ScheduledRule
	mu           sync.RWMutex
	running      bool
	logger       *logging.Logger
}

// ScheduledRule is the scheduling state of one rule.
type ScheduledRule struct {
	Rule       discovery.Rule           `json:"rule"`
	CronID     cron.EntryID             `json:"-"`
	Delay      time.Duration            `json:"delay"`
	Enabled    bool                     `json:"enabled"`
	LastRun    time.Time                `json:"last_run"`
	NextRun    time.Time                `json:"next_run"`
	LastReport discovery.ScheduleReport `json:"last_report"`
}

// NewScheduler creates a scheduler. Rules without a delay of their own are
// scheduled every defaultDelay.
func NewScheduler(manager RuleManager, defaultDelay time.Duration) *Scheduler {
	return &Scheduler{
		manager:      manager,
		cron:         cron.New(),
		defaultDelay: max(defaultDelay, minDelay),
		entries:      make(map[uint64]*ScheduledRule),
		logger:       logging.Default().WithComponent("scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "rules", len(s.entries))
	return nil
}

// Stop stops the scheduler and waits for a running tick to return or ctx to
// be done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}

	s.logger.Info("Scheduler stopped")
}

// Sync makes defs the complete set of scheduled rules. Rules missing from
// defs are removed from the manager and lose their cron entry; the others are
// scheduled right away and then at their interval. It returns the difference
// to the previous set.
func (s *Scheduler) Sync(defs []discovery.Rule) rules.Changes {
	s.mu.Lock()
	previous := make([]discovery.Rule, 0, len(s.entries))
	for _, e := range s.entries {
		previous = append(previous, e.Rule)
	}
	changes := rules.Diff(previous, defs)

	for _, id := range changes.Removed {
		s.cron.Remove(s.entries[id].CronID)
		delete(s.entries, id)
	}
	for i := range defs {
		s.register(defs[i])
	}
	s.mu.Unlock()

	report := s.manager.Sync(defs)

	s.mu.Lock()
	now := time.Now()
	for i := range defs {
		if e, ok := s.entries[defs[i].ID]; ok {
			e.LastRun = now
			e.LastReport = report
		}
	}
	s.mu.Unlock()

	s.logger.Info("Discovery rules synchronized",
		"added", len(changes.Added),
		"changed", len(changes.Changed),
		"removed", len(changes.Removed),
		"scheduled", report.Scheduled)

	return changes
}

// register adds or refreshes the cron entry of rule. s.mu must be held.
func (s *Scheduler) register(rule discovery.Rule) {
	delay := s.delay(rule)

	if e, ok := s.entries[rule.ID]; ok {
		if e.Delay == delay {
			e.Rule = rule
			return
		}
		s.cron.Remove(e.CronID)
	}

	ruleID := rule.ID
	cronID := s.cron.Schedule(cron.Every(delay), cron.FuncJob(func() {
		s.run(ruleID)
	}))

	enabled := true
	if e, ok := s.entries[rule.ID]; ok {
		enabled = e.Enabled
	}
	s.entries[rule.ID] = &ScheduledRule{
		Rule:    rule,
		CronID:  cronID,
		Delay:   delay,
		Enabled: enabled,
	}

	s.logger.Debug("Scheduled discovery rule", "rule_id", rule.ID, "delay", delay)
}

func (s *Scheduler) delay(rule discovery.Rule) time.Duration {
	if rule.Delay <= 0 {
		return s.defaultDelay
	}
	return max(rule.Delay, minDelay)
}

// run submits one rule to the manager.
func (s *Scheduler) run(ruleID uint64) {
	s.mu.RLock()
	e, ok := s.entries[ruleID]
	if !ok || !e.Enabled {
		s.mu.RUnlock()
		return
	}
	rule := e.Rule
	s.mu.RUnlock()

	report := s.manager.Schedule([]discovery.Rule{rule})

	s.mu.Lock()
	if e, ok := s.entries[ruleID]; ok {
		e.LastRun = time.Now()
		e.LastReport = report
	}
	s.mu.Unlock()

	if report.Skipped > 0 {
		s.logger.Debug("Discovery rule is still running, skipping", "rule_id", ruleID)
	}
}

// RunNow schedules ruleID immediately, regardless of its interval.
func (s *Scheduler) RunNow(ruleID uint64) error {
	s.mu.RLock()
	_, ok := s.entries[ruleID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rule %d not found", ruleID)
	}

	s.run(ruleID)
	return nil
}

// EnableRule resumes the periodic scheduling of a rule.
func (s *Scheduler) EnableRule(ruleID uint64) error {
	return s.setRuleEnabled(ruleID, true)
}

// DisableRule stops the periodic scheduling of a rule and aborts its job.
func (s *Scheduler) DisableRule(ruleID uint64) error {
	return s.setRuleEnabled(ruleID, false)
}

func (s *Scheduler) setRuleEnabled(ruleID uint64, enabled bool) error {
	s.mu.Lock()
	e, ok := s.entries[ruleID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("rule %d not found", ruleID)
	}
	e.Enabled = enabled
	s.mu.Unlock()

	if !enabled {
		s.manager.Remove(ruleID)
	}

	action := "disabled"
	if enabled {
		action = "enabled"
	}
	s.logger.InfoRule("Discovery rule "+action, ruleID)
	return nil
}

// Rules returns the scheduling state of all rules ordered by rule id.
func (s *Scheduler) Rules() []ScheduledRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScheduledRule, 0, len(s.entries))
	for _, e := range s.entries {
		copied := *e
		copied.NextRun = s.cron.Entry(e.CronID).Next
		out = append(out, copied)
	}
	slices.SortFunc(out, func(a, b ScheduledRule) int {
		return cmp.Compare(a.Rule.ID, b.Rule.ID)
	})
	return out
}

// Rule returns the scheduling state of one rule.
func (s *Scheduler) Rule(ruleID uint64) (ScheduledRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[ruleID]
	if !ok {
		return ScheduledRule{}, false
	}
	copied := *e
	copied.NextRun = s.cron.Entry(e.CronID).Next
	return copied, true
}
