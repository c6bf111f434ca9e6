// Package results collects the outcome of discovery probes. The collector is
// the result sink of the worker pool: it groups service results by rule and
// address, tracks each rule's progress against the number of checks the
// compiler registered, and publishes host events to subscribers.
package results

import (
	"cmp"
	"context"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/logging"
)

const (
	defaultSubscriberBuffer = 64
	resolveTimeout          = 5 * time.Second
)

// EventType identifies what a host event reports.
type EventType string

const (
	EventHostUp       EventType = "host_up"
	EventServiceUp    EventType = "service_up"
	EventHostName     EventType = "host_name"
	EventRuleComplete EventType = "rule_complete"
)

// Event is published to subscribers when a rule finds a host or a service, or
// when all checks of a rule have reported.
type Event struct {
	ID       uuid.UUID                `json:"id"`
	Type     EventType                `json:"type"`
	RuleID   uint64                   `json:"rule_id"`
	Address  string                   `json:"address,omitempty"`
	Name     string                   `json:"name,omitempty"`
	Service  *discovery.ServiceResult `json:"service,omitempty"`
	Progress *Progress                `json:"progress,omitempty"`
	Time     time.Time                `json:"time"`
}

// Host is the accumulated state of one address of a rule.
type Host struct {
	RuleID  uint64 `json:"rule_id"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Up      bool   `json:"up"`
	// UniqueValue is the value of the rule's uniqueness check, if it answered.
	UniqueValue string                    `json:"unique_value,omitempty"`
	Services    []discovery.ServiceResult `json:"services,omitempty"`
	LastChecked time.Time                 `json:"last_checked"`
}

// Progress is the completion state of a rule run.
type Progress struct {
	RuleID    uint64    `json:"rule_id"`
	Expected  uint64    `json:"expected"`
	Checked   uint64    `json:"checked"`
	Hosts     int       `json:"hosts"`
	HostsUp   int       `json:"hosts_up"`
	StartedAt time.Time `json:"started_at"`
	Done      bool      `json:"done"`
}

// NameResolver resolves the host name of an address.
type NameResolver interface {
	LookupAddr(ctx context.Context, addr netip.Addr) (string, error)
}

type ruleRun struct {
	progress Progress
	hosts    map[string]*Host
}

// Collector implements discovery.ResultSink.
type Collector struct {
	mu          sync.RWMutex
	rules       map[uint64]*ruleRun
	subscribers map[uuid.UUID]chan Event
	resolver    NameResolver
	dropped     atomic.Uint64
	logger      *logging.Logger
	now         func() time.Time
}

var _ discovery.ResultSink = (*Collector)(nil)

// NewCollector creates a collector. With a non-nil resolver, hosts that come
// up get their name resolved in the background.
func NewCollector(resolver NameResolver) *Collector {
	return &Collector{
		rules:       make(map[uint64]*ruleRun),
		subscribers: make(map[uuid.UUID]chan Event),
		resolver:    resolver,
		logger:      logging.Default().WithComponent("results"),
		now:         time.Now,
	}
}

// Expect starts a new run for every rule in counts. Results of a previous run
// of the same rule are dropped.
func (c *Collector) Expect(counts []discovery.CheckCount) {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := make(map[uint64]*ruleRun)
	for _, count := range counts {
		run, ok := started[count.RuleID]
		if !ok {
			run = &ruleRun{
				progress: Progress{RuleID: count.RuleID, StartedAt: c.now()},
				hosts:    make(map[string]*Host),
			}
			started[count.RuleID] = run
			c.rules[count.RuleID] = run
		}
		run.progress.Expected = count.Total
		if _, ok := run.hosts[count.Address]; !ok {
			run.hosts[count.Address] = &Host{RuleID: count.RuleID, Address: count.Address}
			run.progress.Hosts++
		}
	}
}

// Record adds the result of one probed unit.
func (c *Collector) Record(ruleID uint64, address string, result discovery.ServiceResult) {
	var events []Event
	var resolve bool

	c.mu.Lock()
	run := c.rules[ruleID]
	if run == nil {
		run = &ruleRun{
			progress: Progress{RuleID: ruleID, StartedAt: c.now()},
			hosts:    make(map[string]*Host),
		}
		c.rules[ruleID] = run
	}

	host := run.hosts[address]
	if host == nil {
		host = &Host{RuleID: ruleID, Address: address}
		run.hosts[address] = host
		run.progress.Hosts++
	}

	host.LastChecked = result.CheckedAt
	run.progress.Checked++

	if result.Up {
		host.Services = append(host.Services, result)
		if result.Unique {
			host.UniqueValue = result.Value
		}
		if !host.Up {
			host.Up = true
			run.progress.HostsUp++
			events = append(events, c.event(EventHostUp, ruleID, address, nil))
			resolve = c.resolver != nil
		}
		service := result
		events = append(events, c.event(EventServiceUp, ruleID, address, func(e *Event) {
			e.Service = &service
		}))
	}

	if !run.progress.Done && run.progress.Expected > 0 && run.progress.Checked >= run.progress.Expected {
		run.progress.Done = true
		progress := run.progress
		events = append(events, c.event(EventRuleComplete, ruleID, "", func(e *Event) {
			e.Progress = &progress
		}))
		c.logger.InfoRule("Discovery rule run completed", ruleID,
			"checked", progress.Checked,
			"hosts_up", progress.HostsUp,
			"duration", c.now().Sub(progress.StartedAt))
	}
	c.mu.Unlock()

	c.publish(events...)

	if resolve {
		go c.resolveName(ruleID, address)
	}
}

func (c *Collector) event(t EventType, ruleID uint64, address string, fill func(*Event)) Event {
	e := Event{
		ID:      uuid.New(),
		Type:    t,
		RuleID:  ruleID,
		Address: address,
		Time:    c.now(),
	}
	if fill != nil {
		fill(&e)
	}
	return e
}

func (c *Collector) resolveName(ruleID uint64, address string) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	name, err := c.resolver.LookupAddr(ctx, addr)
	if err != nil {
		c.logger.Debug("Failed to resolve host name", "address", address, "error", err)
		return
	}
	if name == "" {
		return
	}

	c.mu.Lock()
	run := c.rules[ruleID]
	if run == nil || run.hosts[address] == nil {
		c.mu.Unlock()
		return
	}
	run.hosts[address].Name = name
	c.mu.Unlock()

	c.publish(c.event(EventHostName, ruleID, address, func(e *Event) { e.Name = name }))
}

// Subscribe registers a subscriber. Events are delivered without blocking the
// workers; a subscriber whose buffer is full misses events.
func (c *Collector) Subscribe(buffer int) (uuid.UUID, <-chan Event) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	id := uuid.New()
	ch := make(chan Event, buffer)

	c.mu.Lock()
	c.subscribers[id] = ch
	c.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Collector) Unsubscribe(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.subscribers[id]; ok {
		delete(c.subscribers, id)
		close(ch)
	}
}

func (c *Collector) publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range events {
		for _, ch := range c.subscribers {
			select {
			case ch <- e:
			default:
				c.dropped.Add(1)
			}
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (c *Collector) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

// Dropped returns the number of events subscribers missed.
func (c *Collector) Dropped() uint64 {
	return c.dropped.Load()
}

// Progress returns the progress of the last run of ruleID.
func (c *Collector) Progress(ruleID uint64) (Progress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	run, ok := c.rules[ruleID]
	if !ok {
		return Progress{}, false
	}
	return run.progress, true
}

// Hosts returns the hosts of the last run of ruleID ordered by address. With
// upOnly set, hosts without any answering service are left out.
func (c *Collector) Hosts(ruleID uint64, upOnly bool) []Host {
	c.mu.RLock()
	defer c.mu.RUnlock()

	run, ok := c.rules[ruleID]
	if !ok {
		return nil
	}

	hosts := make([]Host, 0, len(run.hosts))
	for _, h := range run.hosts {
		if upOnly && !h.Up {
			continue
		}
		copied := *h
		copied.Services = slices.Clone(h.Services)
		hosts = append(hosts, copied)
	}

	slices.SortFunc(hosts, func(a, b Host) int {
		pa, errA := netip.ParseAddr(a.Address)
		pb, errB := netip.ParseAddr(b.Address)
		if errA == nil && errB == nil {
			return pa.Compare(pb)
		}
		return cmp.Compare(a.Address, b.Address)
	})
	return hosts
}

// Forget drops the results of ruleID.
func (c *Collector) Forget(ruleID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, ruleID)
}
