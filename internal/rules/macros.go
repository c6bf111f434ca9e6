package rules

import (
	stderrors "errors"
	"fmt"
	"maps"
	"regexp"
	"sync"

	"github.com/anstrom/discoverer/internal/discovery"
)

// ErrUndefinedMacro is returned for a macro that has no value.
var ErrUndefinedMacro = stderrors.New("undefined macro")

var (
	macroName      = regexp.MustCompile(`^[A-Z0-9_.]+$`)
	macroReference = regexp.MustCompile(`\{\$([A-Z0-9_.]+)\}`)
)

// MacroResolver expands {$NAME} references in check credentials. Rule macros
// take precedence over global ones.
type MacroResolver struct {
	mu     sync.RWMutex
	global map[string]string
	rules  map[uint64]map[string]string
}

var _ discovery.MacroResolver = (*MacroResolver)(nil)

// NewMacroResolver creates a resolver with the given global macros.
func NewMacroResolver(global map[string]string) *MacroResolver {
	r := &MacroResolver{
		global: make(map[string]string, len(global)),
		rules:  make(map[uint64]map[string]string),
	}
	maps.Copy(r.global, global)
	return r
}

// Merge adds global macros, replacing existing values.
func (r *MacroResolver) Merge(macros map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.global, macros)
}

// SetRuleMacros replaces the macros of one rule.
func (r *MacroResolver) SetRuleMacros(ruleID uint64, macros map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[ruleID] = maps.Clone(macros)
}

// Resolve expands every macro reference of text. Text without references is
// returned unchanged.
func (r *MacroResolver) Resolve(ruleID uint64, text string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing string
	out := macroReference.ReplaceAllStringFunc(text, func(ref string) string {
		name := macroReference.FindStringSubmatch(ref)[1]
		if v, ok := r.rules[ruleID][name]; ok {
			return v
		}
		if v, ok := r.global[name]; ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return ref
	})

	if missing != "" {
		return "", fmt.Errorf("%w {$%s}", ErrUndefinedMacro, missing)
	}
	return out, nil
}

// Replace swaps the macros of r for those of other. Compilers holding r see
// the new values on their next pass.
func (r *MacroResolver) Replace(other *MacroResolver) {
	other.mu.RLock()
	global := maps.Clone(other.global)
	ruleMacros := make(map[uint64]map[string]string, len(other.rules))
	for id, m := range other.rules {
		ruleMacros[id] = maps.Clone(m)
	}
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = global
	r.rules = ruleMacros
}
