package discovery

//go:generate mockgen -destination=mocks/mock_interfaces.go -package=mocks github.com/anstrom/discoverer/internal/discovery Prober,ResultSink,MacroResolver

import (
	"context"
	"time"

	"github.com/anstrom/discoverer/internal/iprange"
)

// ProbeRequest is one unit handed to the probe layer.
type ProbeRequest struct {
	Address iprange.Address
	Port    uint16
	Check   *Check
}

// ProbeResult is the outcome of a probe. Value carries what the service
// reported, e.g. an SNMP value or an SSH host key fingerprint.
type ProbeResult struct {
	Up    bool
	Value string
}

// Prober executes checks.
type Prober interface {
	Probe(ctx context.Context, req ProbeRequest) (ProbeResult, error)
}

// ServiceResult is the result of one unit as reported to the result sink.
type ServiceResult struct {
	CheckID   uint64        `json:"check_id"`
	Type      CheckType     `json:"type"`
	Port      uint16        `json:"port,omitempty"`
	Up        bool          `json:"up"`
	Value     string        `json:"value,omitempty"`
	Unique    bool          `json:"unique,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	CheckedAt time.Time     `json:"checked_at"`
}

// ResultSink receives the check counts of every scheduled rule and the results
// of every probed unit.
type ResultSink interface {
	Expect(counts []CheckCount)
	Record(ruleID uint64, address string, result ServiceResult)
}

// MacroResolver expands credential macros of a check.
type MacroResolver interface {
	Resolve(ruleID uint64, text string) (string, error)
}
