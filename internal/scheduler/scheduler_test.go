package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/discoverer/internal/discovery"
)

// fakeManager records the calls the scheduler makes.
type fakeManager struct {
	mu        sync.Mutex
	scheduled []uint64
	synced    [][]uint64
	removed   []uint64
}

func ids(rules []discovery.Rule) []uint64 {
	out := make([]uint64, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}

func (m *fakeManager) Schedule(rules []discovery.Rule) discovery.ScheduleReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, ids(rules)...)
	return discovery.ScheduleReport{Scheduled: len(rules)}
}

func (m *fakeManager) Sync(rules []discovery.Rule) discovery.ScheduleReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = append(m.synced, ids(rules))
	return discovery.ScheduleReport{Scheduled: len(rules)}
}

func (m *fakeManager) Remove(ruleID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, ruleID)
	return true
}

func (m *fakeManager) scheduledCount(ruleID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.scheduled {
		if id == ruleID {
			n++
		}
	}
	return n
}

func rule(id, revision uint64, delay time.Duration) discovery.Rule {
	return discovery.Rule{ID: id, Revision: revision, Name: "rule", Delay: delay}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(&fakeManager{}, time.Hour)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "starting twice fails")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}

func TestSchedulerSync(t *testing.T) {
	m := &fakeManager{}
	s := NewScheduler(m, time.Hour)

	changes := s.Sync([]discovery.Rule{rule(1, 1, 0), rule(2, 1, 10*time.Minute)})
	assert.Equal(t, []uint64{1, 2}, changes.Added)
	assert.Equal(t, [][]uint64{{1, 2}}, m.synced)

	scheduled := s.Rules()
	require.Len(t, scheduled, 2)
	assert.Equal(t, time.Hour, scheduled[0].Delay, "rules without a delay use the default")
	assert.Equal(t, 10*time.Minute, scheduled[1].Delay)
	assert.True(t, scheduled[0].Enabled)
	assert.False(t, scheduled[0].LastRun.IsZero())
	assert.Equal(t, 2, scheduled[0].LastReport.Scheduled)

	firstEntry := scheduled[0].CronID
	secondEntry := scheduled[1].CronID

	changes = s.Sync([]discovery.Rule{rule(1, 2, 0), rule(2, 1, 5*time.Minute), rule(3, 1, time.Millisecond)})
	assert.Equal(t, []uint64{3}, changes.Added)
	assert.Equal(t, []uint64{1}, changes.Changed)
	assert.Empty(t, changes.Removed)

	r1, ok := s.Rule(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), r1.Rule.Revision)
	assert.Equal(t, firstEntry, r1.CronID, "same delay keeps the cron entry")

	r2, _ := s.Rule(2)
	assert.NotEqual(t, secondEntry, r2.CronID, "a new delay replaces the cron entry")

	r3, _ := s.Rule(3)
	assert.Equal(t, time.Second, r3.Delay, "delays are at least one second")

	changes = s.Sync([]discovery.Rule{rule(3, 1, time.Second)})
	assert.Equal(t, []uint64{1, 2}, changes.Removed)
	assert.Len(t, s.Rules(), 1)
	_, ok = s.Rule(1)
	assert.False(t, ok)
}

func TestSchedulerRunNow(t *testing.T) {
	m := &fakeManager{}
	s := NewScheduler(m, time.Hour)
	s.Sync([]discovery.Rule{rule(4, 1, 0)})

	require.NoError(t, s.RunNow(4))
	assert.Equal(t, 1, m.scheduledCount(4))
	assert.Error(t, s.RunNow(99))
}

func TestSchedulerDisableRule(t *testing.T) {
	m := &fakeManager{}
	s := NewScheduler(m, time.Hour)
	s.Sync([]discovery.Rule{rule(4, 1, 0)})

	require.NoError(t, s.DisableRule(4))
	assert.Equal(t, []uint64{4}, m.removed)

	require.NoError(t, s.RunNow(4))
	assert.Zero(t, m.scheduledCount(4), "disabled rules are not scheduled")

	require.NoError(t, s.EnableRule(4))
	require.NoError(t, s.RunNow(4))
	assert.Equal(t, 1, m.scheduledCount(4))

	r, _ := s.Rule(4)
	assert.True(t, r.Enabled)

	assert.Error(t, s.DisableRule(5))
	assert.Error(t, s.EnableRule(5))
}

func TestSchedulerKeepsDisabledStateOnDelayChange(t *testing.T) {
	s := NewScheduler(&fakeManager{}, time.Hour)
	s.Sync([]discovery.Rule{rule(4, 1, time.Minute)})
	require.NoError(t, s.DisableRule(4))

	s.Sync([]discovery.Rule{rule(4, 2, 2*time.Minute)})
	r, _ := s.Rule(4)
	assert.False(t, r.Enabled)
	assert.Equal(t, 2*time.Minute, r.Delay)
}

func TestSchedulerTicks(t *testing.T) {
	m := &fakeManager{}
	s := NewScheduler(m, time.Hour)
	s.Sync([]discovery.Rule{rule(7, 1, time.Second)})

	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	r, _ := s.Rule(7)
	assert.False(t, r.NextRun.IsZero())

	require.Eventually(t, func() bool { return m.scheduledCount(7) > 0 }, 3*time.Second, 50*time.Millisecond)
}
