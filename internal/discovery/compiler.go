package discovery

import (
	"strings"

	"github.com/anstrom/discoverer/internal/errors"
	"github.com/anstrom/discoverer/internal/iprange"
	"github.com/anstrom/discoverer/internal/logging"
)

// MaxRangeVolume is the largest number of addresses a single range segment
// may hold.
const MaxRangeVolume = 65536

// Batch is the output of one compile pass.
type Batch struct {
	Jobs   []*Job
	Counts []CheckCount
	Errors RuleErrors
	// Rules lists every compiled rule id, including rules that produced no job.
	Rules []uint64
}

// checkKey identifies a check definition. Check ids are only unique within
// their rule.
type checkKey struct {
	rule  uint64
	check uint64
}

// Compiler turns discovery rules into jobs.
type Compiler struct {
	resolver MacroResolver
	ipv6     bool
}

// NewCompiler creates a compiler. resolver may be nil when checks carry no
// macros.
func NewCompiler(resolver MacroResolver) *Compiler {
	return &Compiler{
		resolver: resolver,
		ipv6:     ipv6Supported,
	}
}

// Compile builds one job per rule. Rule problems are recorded in the batch
// errors and only affect the offending range segment or check.
func (c *Compiler) Compile(rules []Rule) *Batch {
	b := &Batch{}
	pool := make(map[checkKey]*Check)

	for i := range rules {
		rule := &rules[i]
		b.Rules = append(b.Rules, rule.ID)

		job := c.compileRule(rule, pool, b)
		if job == nil {
			continue
		}
		b.Jobs = append(b.Jobs, job)
		logging.InfoDiscovery("Rule compiled", rule.IPRange,
			"rule_id", rule.ID,
			"tasks", job.TaskCount(),
			"units", job.Remaining())
	}

	return b
}

func (c *Compiler) compileRule(rule *Rule, pool map[checkKey]*Check, b *Batch) *Job {
	ranges := c.parseRanges(rule, &b.Errors)
	if len(ranges) == 0 {
		b.Errors.Add(rule.ID, "rule has no valid IP range")
		return nil
	}
	rangeID := rangeIdentity(ranges)

	var (
		tasks  []*Task
		checks []*Check
		shared = make(map[string]*Task)
	)

	for i := range rule.Checks {
		check, err := c.pooledCheck(rule, &rule.Checks[i], pool)
		if err != nil {
			b.Errors.Add(rule.ID, err.Error())
			logging.ErrorRule("Skipping check", rule.ID, err, "check_id", rule.Checks[i].ID)
			continue
		}
		checks = append(checks, check)

		if check.Throttled() {
			t := newTask(ranges, rangeID, rule.UniqueCheckID)
			t.addCheck(check)
			tasks = append(tasks, t)
			continue
		}

		t, ok := shared[rangeID]
		if !ok {
			t = newTask(ranges, rangeID, rule.UniqueCheckID)
			shared[rangeID] = t
			tasks = append(tasks, t)
		}
		t.addCheck(check)
	}

	if len(tasks) == 0 {
		b.Errors.Add(rule.ID, "rule has no valid checks")
		return nil
	}

	var addresses []string
	cursor := iprange.NewCursor()
	for iprange.UniqueNext(ranges, &cursor) {
		addresses = append(addresses, cursor.Address.String())
	}

	var total uint64
	for _, t := range tasks {
		t.start(uint64(len(addresses)))
		total += t.Remaining()
	}
	if total == 0 {
		b.Errors.Add(rule.ID, "rule has no address to check")
		return nil
	}

	for _, a := range addresses {
		b.Counts = append(b.Counts, CheckCount{RuleID: rule.ID, Address: a, Total: total})
	}

	return newJob(rule, ranges, checks, tasks)
}

func (c *Compiler) parseRanges(rule *Rule, errs *RuleErrors) []iprange.Range {
	var ranges []iprange.Range

	for _, segment := range strings.Split(rule.IPRange, ",") {
		segment = strings.TrimSpace(segment)

		r, err := iprange.Parse(segment)
		if err != nil {
			c.rangeError(errs, rule.ID, errors.ErrRangeSyntax(rule.ID, segment, err))
			continue
		}
		if r.IsZero() {
			c.rangeError(errs, rule.ID, errors.ErrRangeNetwork(rule.ID, segment))
			continue
		}
		if r.Volume() > MaxRangeVolume {
			c.rangeError(errs, rule.ID, errors.ErrRangeVolume(rule.ID, segment, MaxRangeVolume))
			continue
		}
		if r.Family == iprange.IPv6 && !c.ipv6 {
			c.rangeError(errs, rule.ID, errors.ErrUnsupportedFamily(rule.ID, segment))
			continue
		}

		ranges = append(ranges, r)
	}

	return ranges
}

func (c *Compiler) rangeError(errs *RuleErrors, ruleID uint64, err *errors.RuleError) {
	errs.Add(ruleID, err.Error())
	logging.ErrorDiscovery("Skipping IP range", err.Segment, err, "rule_id", ruleID)
}

// pooledCheck returns the compiled clone of def, creating it on first use.
// Macros are resolved once, when the clone is created.
func (c *Compiler) pooledCheck(rule *Rule, def *Check, pool map[checkKey]*Check) (*Check, error) {
	key := checkKey{rule: rule.ID, check: def.ID}
	if check, ok := pool[key]; ok {
		return check, nil
	}

	if !def.Type.Valid() {
		return nil, errors.ErrInvalidCheck(rule.ID, string(def.Type))
	}

	check := *def
	check.Unique = rule.UniqueCheckID != 0 && def.ID == rule.UniqueCheckID

	if !check.Type.AddressOnly() {
		ports := check.Ports
		if strings.TrimSpace(ports) == "" {
			ports = check.Type.DefaultPorts()
		}
		parsed, err := iprange.ParsePorts(ports)
		if err != nil {
			return nil, errors.ErrInvalidPorts(rule.ID, ports, err)
		}
		check.Ports = ports
		check.portRanges = parsed
	}

	if err := c.resolveMacros(rule.ID, &check); err != nil {
		return nil, err
	}

	pool[key] = &check
	return &check, nil
}

func (c *Compiler) resolveMacros(ruleID uint64, check *Check) error {
	if c.resolver == nil {
		return nil
	}

	fields := []*string{
		&check.Key,
		&check.SNMP.Community,
		&check.SNMP.SecurityName,
		&check.SNMP.AuthPassphrase,
		&check.SNMP.PrivPassphrase,
		&check.SNMP.ContextName,
	}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		resolved, err := c.resolver.Resolve(ruleID, *f)
		if err != nil {
			return errors.ErrMacro(ruleID, *f, err)
		}
		*f = resolved
	}
	return nil
}

// rangeIdentity is the canonical text of a range list; tasks over equal lists
// share it.
func rangeIdentity(ranges []iprange.Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
