package discovery

import (
	"time"
)

// Rule is a discovery rule as delivered by the configuration layer.
type Rule struct {
	ID       uint64 `yaml:"id" json:"id" validate:"required"`
	Name     string `yaml:"name" json:"name" validate:"required"`
	Revision uint64 `yaml:"revision" json:"revision"`
	// IPRange is a comma separated list of ranges, e.g. "10.0.0.1-10,10.0.1.0/24".
	IPRange       string        `yaml:"iprange" json:"iprange" validate:"required"`
	Checks        []Check       `yaml:"checks" json:"checks" validate:"required,min=1,dive"`
	UniqueCheckID uint64        `yaml:"unique_check_id" json:"unique_check_id,omitempty"`
	Concurrency   int           `yaml:"concurrency" json:"concurrency" validate:"gte=0"`
	Delay         time.Duration `yaml:"delay" json:"delay"`
}

// CheckCount announces how many checks a rule runs against one address. Total
// is the rule-wide number of checks and is repeated on every row of the rule.
type CheckCount struct {
	RuleID  uint64 `json:"rule_id"`
	Address string `json:"address"`
	Total   uint64 `json:"total"`
}
