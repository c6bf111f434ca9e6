package discovery

import (
	"github.com/anstrom/discoverer/internal/iprange"
)

// Cursor is the position of a task within its address, check and port space.
// It always points at the unit the task will probe next.
type Cursor struct {
	IP               iprange.Cursor
	Port             iprange.PortCursor
	CheckIndex       int
	ChecksPerAddress uint64
	Remaining        uint64
}

// Unit is one (address, port, check) triple.
type Unit struct {
	Address iprange.Address
	Port    uint16
	Check   *Check
}

// Task is a schedulable unit of work: a set of checks sharing one cursor over
// the range list of a rule. A task is owned by exactly one goroutine at a time;
// the queue hands ownership to a worker when it pops the task.
type Task struct {
	Checks        []*Check
	RangeID       string
	UniqueCheckID uint64

	ranges []iprange.Range
	cursor Cursor
}

func newTask(ranges []iprange.Range, rangeID string, uniqueCheckID uint64) *Task {
	return &Task{
		RangeID:       rangeID,
		UniqueCheckID: uniqueCheckID,
		ranges:        ranges,
	}
}

func (t *Task) addCheck(c *Check) {
	t.Checks = append(t.Checks, c)
	t.cursor.ChecksPerAddress += c.UnitsPerAddress()
}

// start positions the cursor on the first unit and sizes the task for the
// given number of distinct addresses.
func (t *Task) start(addresses uint64) {
	t.cursor.IP = iprange.NewCursor()
	t.cursor.Remaining = t.cursor.ChecksPerAddress * addresses
	if t.cursor.Remaining == 0 || !iprange.UniqueNext(t.ranges, &t.cursor.IP) {
		t.cursor.Remaining = 0
		return
	}
	t.cursor.CheckIndex = 0
	t.resetPort()
}

func (t *Task) resetPort() {
	t.cursor.Port = iprange.NewPortCursor()
	if c := t.Checks[t.cursor.CheckIndex]; !c.Type.AddressOnly() {
		iprange.UniquePortNext(c.portRanges, &t.cursor.Port)
	}
}

// advance moves the cursor one unit: port first, then check, then address.
func (t *Task) advance() bool {
	c := &t.cursor

	if check := t.Checks[c.CheckIndex]; !check.Type.AddressOnly() {
		if iprange.UniquePortNext(check.portRanges, &c.Port) {
			return true
		}
	}

	if c.CheckIndex+1 < len(t.Checks) {
		c.CheckIndex++
		t.resetPort()
		return true
	}

	if iprange.UniqueNext(t.ranges, &c.IP) {
		c.CheckIndex = 0
		t.resetPort()
		return true
	}

	return false
}

// RangeCheckIter consumes the current unit and moves the cursor to the next
// one. It returns false once the task is exhausted: the call that consumes the
// last unit reports exhaustion, so a task of n units yields n-1 successful
// calls. A task with nothing remaining reports exhaustion immediately.
func (t *Task) RangeCheckIter() bool {
	if t.cursor.Remaining == 0 {
		return false
	}

	t.cursor.Remaining--
	if t.cursor.Remaining == 0 {
		return false
	}

	if !t.advance() {
		// remaining count and address space disagree
		t.cursor.Remaining = 0
		return false
	}
	return true
}

// Current returns the unit the cursor points at.
func (t *Task) Current() Unit {
	check := t.Checks[t.cursor.CheckIndex]
	u := Unit{Address: t.cursor.IP.Address, Check: check}
	if !check.Type.AddressOnly() {
		u.Port = t.cursor.Port.Port
	}
	return u
}

// Remaining returns the number of units left, including the current one.
func (t *Task) Remaining() uint64 {
	return t.cursor.Remaining
}

// Exhausted reports whether the task has no unit left.
func (t *Task) Exhausted() bool {
	return t.cursor.Remaining == 0
}

// ChecksPerAddress returns the number of units the task probes per address.
func (t *Task) ChecksPerAddress() uint64 {
	return t.cursor.ChecksPerAddress
}

// Throttled reports whether the lead check belongs to the throttled family.
func (t *Task) Throttled() bool {
	return len(t.Checks) > 0 && t.Checks[0].Throttled()
}

// Ranges returns the range list the task iterates over.
func (t *Task) Ranges() []iprange.Range {
	return t.ranges
}

// clone copies the task. Checks and ranges are immutable and shared.
func (t *Task) clone() *Task {
	c := *t
	c.Checks = append([]*Check(nil), t.Checks...)
	return &c
}

// split detaches everything past the first n units into a new task.
func (t *Task) split(n uint64) *Task {
	rest := t.clone()
	for i := uint64(0); i < n; i++ {
		rest.RangeCheckIter()
	}
	t.cursor.Remaining = n
	return rest
}
