package discovery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitKey(u Unit) string {
	return fmt.Sprintf("%s/%d/%d", u.Address, u.Port, u.Check.ID)
}

// drain consumes a task and returns the keys of every unit it held.
func drain(t *Task) []string {
	if t.Exhausted() {
		return nil
	}
	var out []string
	for {
		out = append(out, unitKey(t.Current()))
		if !t.RangeCheckIter() {
			return out
		}
	}
}

func compileRule(t *testing.T, rule Rule) (*Job, *Batch) {
	t.Helper()
	b := NewCompiler(nil).Compile([]Rule{rule})
	require.Len(t, b.Jobs, 1, "errors: %s", b.Errors.String(rule.ID))
	return b.Jobs[0], b
}

func TestRangeCheckIterEndToEnd(t *testing.T) {
	job, batch := compileRule(t, Rule{
		ID:      1,
		Name:    "ssh and web",
		IPRange: "192.168.1.4/30",
		Checks: []Check{
			{ID: 10, Type: CheckSSH, Ports: "22"},
			{ID: 11, Type: CheckHTTP, Ports: "80,443"},
		},
	})

	require.Equal(t, 1, job.TaskCount())
	task := job.PopTask(0)
	require.NotNil(t, task)
	assert.Equal(t, uint64(3), task.ChecksPerAddress())
	assert.Equal(t, uint64(6), task.Remaining())

	require.Len(t, batch.Counts, 2)
	assert.Equal(t, CheckCount{RuleID: 1, Address: "192.168.1.5", Total: 6}, batch.Counts[0])
	assert.Equal(t, CheckCount{RuleID: 1, Address: "192.168.1.6", Total: 6}, batch.Counts[1])

	units := []string{unitKey(task.Current())}
	successes := 0
	for task.RangeCheckIter() {
		successes++
		units = append(units, unitKey(task.Current()))
	}

	assert.Equal(t, 5, successes)
	assert.False(t, task.RangeCheckIter(), "exhausted task stays exhausted")
	assert.Equal(t, []string{
		"192.168.1.5/22/10",
		"192.168.1.5/80/11",
		"192.168.1.5/443/11",
		"192.168.1.6/22/10",
		"192.168.1.6/80/11",
		"192.168.1.6/443/11",
	}, units)
}

func TestRangeCheckIterEmptyTask(t *testing.T) {
	task := &Task{}
	assert.True(t, task.Exhausted())
	assert.False(t, task.RangeCheckIter())
}

func TestRangeCheckIterAddressOnly(t *testing.T) {
	job, _ := compileRule(t, Rule{
		ID:      2,
		Name:    "ping",
		IPRange: "10.0.0.1-3",
		Checks: []Check{
			{ID: 20, Type: CheckICMP, Ports: "ignored"},
			{ID: 21, Type: CheckTCP, Ports: "8080"},
		},
	})

	task := job.PopTask(0)
	assert.Equal(t, uint64(2), task.ChecksPerAddress())
	assert.Equal(t, []string{
		"10.0.0.1/0/20", "10.0.0.1/8080/21",
		"10.0.0.2/0/20", "10.0.0.2/8080/21",
		"10.0.0.3/0/20", "10.0.0.3/8080/21",
	}, drain(task))
}

func TestRangeCheckIterSkipsOverlaps(t *testing.T) {
	job, batch := compileRule(t, Rule{
		ID:      3,
		Name:    "overlap",
		IPRange: "10.0.0.1-4,10.0.0.3-6",
		Checks:  []Check{{ID: 30, Type: CheckTCP, Ports: "1-3,2-4"}},
	})

	assert.Len(t, batch.Counts, 6)
	task := job.PopTask(0)
	assert.Equal(t, uint64(4), task.ChecksPerAddress())

	units := drain(task)
	assert.Len(t, units, 24)
	seen := make(map[string]bool)
	for _, u := range units {
		assert.False(t, seen[u], "duplicate unit %s", u)
		seen[u] = true
	}
}

func TestPopTaskSplit(t *testing.T) {
	tests := []struct {
		name       string
		ports      string
		threshold  uint64
		wantTasks  int
		wantUnits  uint64
		perAddress uint64
	}{
		{name: "uneven split", ports: "1-10", threshold: 300, wantTasks: 9, wantUnits: 2540, perAddress: 10},
		{name: "even split", ports: "1-2", threshold: 127, wantTasks: 4, wantUnits: 508, perAddress: 2},
		{name: "threshold of one", ports: "22", threshold: 1, wantTasks: 254, wantUnits: 254, perAddress: 1},
		{name: "no split needed", ports: "22", threshold: 1000, wantTasks: 1, wantUnits: 254, perAddress: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, _ := compileRule(t, Rule{
				ID:      4,
				Name:    "split",
				IPRange: "10.1.1.0/24",
				Checks:  []Check{{ID: 40, Type: CheckTCP, Ports: tt.ports}},
			})
			require.Equal(t, tt.wantUnits, job.Remaining())

			var (
				tasks []*Task
				sum   uint64
			)
			for task := job.PopTask(tt.threshold); task != nil; task = job.PopTask(tt.threshold) {
				assert.LessOrEqual(t, task.Remaining(), tt.threshold)
				sum += task.Remaining()
				tasks = append(tasks, task)
			}

			assert.Len(t, tasks, tt.wantTasks)
			assert.Equal(t, tt.wantUnits, sum)

			seen := make(map[string]bool)
			for _, task := range tasks {
				for _, u := range drain(task) {
					assert.False(t, seen[u], "unit %s scheduled twice", u)
					seen[u] = true
				}
			}
			assert.Len(t, seen, int(tt.wantUnits))
		})
	}
}

func TestPopTaskNoSplit(t *testing.T) {
	t.Run("concurrency cap", func(t *testing.T) {
		job, _ := compileRule(t, Rule{
			ID: 5, Name: "capped", IPRange: "10.0.0.1-100", Concurrency: 2,
			Checks: []Check{{ID: 50, Type: CheckTCP, Ports: "22"}},
		})
		task := job.PopTask(10)
		assert.Equal(t, uint64(100), task.Remaining())
		assert.Zero(t, job.TaskCount())
	})

	t.Run("throttled family", func(t *testing.T) {
		job, _ := compileRule(t, Rule{
			ID: 6, Name: "snmpv3", IPRange: "10.0.0.1-100",
			Checks: []Check{{ID: 60, Type: CheckSNMPv3, Key: "1.3.6.1.2.1.1.1.0"}},
		})
		task := job.PopTask(10)
		assert.True(t, task.Throttled())
		assert.Equal(t, uint64(100), task.Remaining())
	})

	t.Run("splitting disabled", func(t *testing.T) {
		job, _ := compileRule(t, Rule{
			ID: 7, Name: "unsplit", IPRange: "10.0.0.1-100",
			Checks: []Check{{ID: 70, Type: CheckTCP, Ports: "22"}},
		})
		assert.Equal(t, uint64(100), job.PopTask(0).Remaining())
	})

	t.Run("empty job", func(t *testing.T) {
		assert.Nil(t, (&Job{}).PopTask(10))
	})
}

func TestJobAbort(t *testing.T) {
	job, _ := compileRule(t, Rule{
		ID: 8, Name: "abort", IPRange: "10.0.0.1-10",
		Checks: []Check{
			{ID: 80, Type: CheckSSH},
			{ID: 81, Type: CheckSNMPv3},
		},
	})
	require.Equal(t, 2, job.TaskCount())

	pending := uint64(25)
	var errs RuleErrors
	job.Abort(&pending, &errs, "rule removed")

	assert.Equal(t, uint64(5), pending)
	assert.Zero(t, job.TaskCount())
	assert.True(t, job.Aborted())
	assert.Equal(t, "rule removed", errs.String(8))

	job.Abort(&pending, &errs, "rule removed")
	assert.Equal(t, uint64(5), pending)
	assert.Equal(t, "rule removed", errs.String(8), "identical messages are recorded once")
}

func TestJobAbortClampsPending(t *testing.T) {
	job, _ := compileRule(t, Rule{
		ID: 9, Name: "clamp", IPRange: "10.0.0.1-10",
		Checks: []Check{{ID: 90, Type: CheckSSH}},
	})

	pending := uint64(3)
	var errs RuleErrors
	job.Abort(&pending, &errs, "gone")
	assert.Zero(t, pending)
}

func TestFreeTasks(t *testing.T) {
	job, _ := compileRule(t, Rule{
		ID: 10, Name: "free", IPRange: "10.0.0.1-4",
		Checks: []Check{
			{ID: 100, Type: CheckSSH},
			{ID: 101, Type: CheckSNMPv3},
			{ID: 102, Type: CheckSNMPv3},
		},
	})

	assert.Equal(t, 3, job.TaskCount())
	assert.Equal(t, uint64(12), job.FreeTasks())
	assert.Zero(t, job.FreeTasks())
}

func TestRotateToUnthrottled(t *testing.T) {
	throttled := &Task{Checks: []*Check{{Type: CheckSNMPv3}}}
	plain := &Task{Checks: []*Check{{Type: CheckSSH}}}

	job := &Job{tasks: []*Task{throttled, throttled, plain}}
	require.True(t, job.rotateToUnthrottled())
	assert.Same(t, plain, job.peek())
	assert.Equal(t, 3, job.TaskCount())

	job = &Job{tasks: []*Task{throttled, throttled}}
	assert.False(t, job.rotateToUnthrottled())
}
