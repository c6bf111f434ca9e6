package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/discoverer/internal/results"
	"github.com/anstrom/discoverer/internal/scheduler"
)

// RuleResponse is the state of one rule.
type RuleResponse struct {
	scheduler.ScheduledRule
	Errors   []string          `json:"errors"`
	Progress *results.Progress `json:"progress,omitempty"`
}

// RuleErrorsResponse lists the errors recorded for a rule.
type RuleErrorsResponse struct {
	RuleID uint64   `json:"rule_id"`
	Errors []string `json:"errors"`
}

func splitErrors(text string) []string {
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

func (s *Server) requireSchedule(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Schedule == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("rule scheduling is not available"))
		return false
	}
	return true
}

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSchedule(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"rules":     s.deps.Schedule.Rules(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !s.requireSchedule(w, r) {
		return
	}

	rule, ok := s.deps.Schedule.Rule(id)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("rule %d not found", id))
		return
	}

	response := RuleResponse{ScheduledRule: rule, Errors: []string{}}
	if s.deps.Engine != nil {
		response.Errors = splitErrors(s.deps.Engine.RuleErrors(id))
	}
	if s.deps.Results != nil {
		if p, ok := s.deps.Results.Progress(id); ok {
			response.Progress = &p
		}
	}
	s.writeJSON(w, r, http.StatusOK, response)
}

func (s *Server) ruleErrorsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if s.deps.Engine == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("discovery engine is not available"))
		return
	}

	s.writeJSON(w, r, http.StatusOK, RuleErrorsResponse{
		RuleID: id,
		Errors: splitErrors(s.deps.Engine.RuleErrors(id)),
	})
}

func (s *Server) ruleProgressHandler(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if s.deps.Results == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, errResultsUnavailable)
		return
	}

	progress, ok := s.deps.Results.Progress(id)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no results for rule %d", id))
		return
	}
	s.writeJSON(w, r, http.StatusOK, progress)
}

func (s *Server) ruleHostsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if s.deps.Results == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, errResultsUnavailable)
		return
	}

	hosts := s.deps.Results.Hosts(id, queryBool(r, "up", false))
	if hosts == nil {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no results for rule %d", id))
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"rule_id": id,
		"hosts":   hosts,
	})
}

func (s *Server) runRuleHandler(w http.ResponseWriter, r *http.Request) {
	s.ruleAction(w, r, "scheduled", func(id uint64) error { return s.deps.Schedule.RunNow(id) })
}

func (s *Server) enableRuleHandler(w http.ResponseWriter, r *http.Request) {
	s.ruleAction(w, r, "enabled", func(id uint64) error { return s.deps.Schedule.EnableRule(id) })
}

func (s *Server) disableRuleHandler(w http.ResponseWriter, r *http.Request) {
	s.ruleAction(w, r, "disabled", func(id uint64) error { return s.deps.Schedule.DisableRule(id) })
}

func (s *Server) ruleAction(w http.ResponseWriter, r *http.Request, done string, action func(uint64) error) {
	id, err := ruleID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !s.requireSchedule(w, r) {
		return
	}

	if err := action(id); err != nil {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	s.logger.InfoRule("Rule "+done+" through the API", id)

	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"rule_id": id,
		"status":  done,
	})
}

func (s *Server) reloadRulesHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("rule reloading is not available"))
		return
	}

	changes, err := s.deps.Reload()
	if err != nil {
		s.writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, changes)
}
