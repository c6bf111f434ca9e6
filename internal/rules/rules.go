// Package rules loads discovery rule definitions from YAML files and computes
// the difference between two generations of rules.
package rules

import (
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/discoverer/internal/discovery"
)

// Definition is a rule as written in a rules file. Macros defined on a rule
// take precedence over the file-wide ones.
type Definition struct {
	discovery.Rule `yaml:",inline"`
	Macros         map[string]string `yaml:"macros" validate:"dive,keys,macroname,endkeys"`
}

// File is the content of a rules file.
type File struct {
	Macros map[string]string `yaml:"macros" validate:"dive,keys,macroname,endkeys"`
	Rules  []Definition      `yaml:"rules" validate:"dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("macroname", func(fl validator.FieldLevel) bool {
		return macroName.MatchString(fl.Field().String())
	})
	return v
}

// Load reads and validates a rules file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator's configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates rules from YAML. Only the structure is checked
// here: range, port and check type errors are reported per rule when the rules
// are compiled.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the structure of the file.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("rules validation failed: %w", err)
	}

	ruleIDs := make(map[uint64]struct{}, len(f.Rules))
	for i := range f.Rules {
		rule := &f.Rules[i].Rule
		if _, ok := ruleIDs[rule.ID]; ok {
			return fmt.Errorf("duplicate rule id %d", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}

		checkIDs := make(map[uint64]struct{}, len(rule.Checks))
		for _, check := range rule.Checks {
			if _, ok := checkIDs[check.ID]; ok {
				return fmt.Errorf("rule %d: duplicate check id %d", rule.ID, check.ID)
			}
			checkIDs[check.ID] = struct{}{}
		}
		if _, ok := checkIDs[rule.UniqueCheckID]; rule.UniqueCheckID != 0 && !ok {
			return fmt.Errorf("rule %d: unique check %d is not one of its checks", rule.ID, rule.UniqueCheckID)
		}
	}
	return nil
}

// DiscoveryRules returns the rules of the file in file order.
func (f *File) DiscoveryRules() []discovery.Rule {
	out := make([]discovery.Rule, 0, len(f.Rules))
	for i := range f.Rules {
		out = append(out, f.Rules[i].Rule)
	}
	return out
}

// Resolver returns the macro resolver of the file. global holds macros of
// lower precedence than the file's, typically those of the daemon
// configuration.
func (f *File) Resolver(global map[string]string) *MacroResolver {
	r := NewMacroResolver(global)
	r.Merge(f.Macros)
	for i := range f.Rules {
		if len(f.Rules[i].Macros) > 0 {
			r.SetRuleMacros(f.Rules[i].ID, f.Rules[i].Macros)
		}
	}
	return r
}

// Changes lists the rule ids that differ between two generations of rules.
type Changes struct {
	Added   []uint64 `json:"added"`
	Changed []uint64 `json:"changed"`
	Removed []uint64 `json:"removed"`
}

// Empty reports whether the generations are the same.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// Diff compares two generations of rules by id and revision.
func Diff(previous, current []discovery.Rule) Changes {
	old := make(map[uint64]uint64, len(previous))
	for _, r := range previous {
		old[r.ID] = r.Revision
	}

	var c Changes
	seen := make(map[uint64]struct{}, len(current))
	for _, r := range current {
		seen[r.ID] = struct{}{}
		revision, ok := old[r.ID]
		switch {
		case !ok:
			c.Added = append(c.Added, r.ID)
		case revision != r.Revision:
			c.Changed = append(c.Changed, r.ID)
		}
	}
	for id := range old {
		if _, ok := seen[id]; !ok {
			c.Removed = append(c.Removed, id)
		}
	}

	slices.Sort(c.Added)
	slices.Sort(c.Changed)
	slices.Sort(c.Removed)
	return c
}
