package discovery

import (
	"maps"
	"slices"
	"strings"
)

// RuleErrors collects deduplicated error messages per rule.
type RuleErrors struct {
	byRule map[uint64][]string
}

// Add records message for ruleID. It returns false when the message was
// already recorded for that rule.
func (e *RuleErrors) Add(ruleID uint64, message string) bool {
	if e.byRule == nil {
		e.byRule = make(map[uint64][]string)
	}
	if slices.Contains(e.byRule[ruleID], message) {
		return false
	}
	e.byRule[ruleID] = append(e.byRule[ruleID], message)
	return true
}

// String returns the messages of ruleID joined by newlines.
func (e *RuleErrors) String(ruleID uint64) string {
	return strings.Join(e.byRule[ruleID], "\n")
}

// Messages returns a copy of the messages recorded for ruleID.
func (e *RuleErrors) Messages(ruleID uint64) []string {
	return slices.Clone(e.byRule[ruleID])
}

// Rules returns the ids of the rules with errors, in ascending order.
func (e *RuleErrors) Rules() []uint64 {
	return slices.Sorted(maps.Keys(e.byRule))
}

// Len returns the number of rules with errors.
func (e *RuleErrors) Len() int {
	return len(e.byRule)
}

// Merge adds every message of other.
func (e *RuleErrors) Merge(other *RuleErrors) {
	for _, id := range other.Rules() {
		for _, msg := range other.byRule[id] {
			e.Add(id, msg)
		}
	}
}

// Clear forgets the messages of ruleID.
func (e *RuleErrors) Clear(ruleID uint64) {
	delete(e.byRule, ruleID)
}
