package results

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/discoverer/internal/discovery"
)

type staticNames map[string]string

func (n staticNames) LookupAddr(_ context.Context, addr netip.Addr) (string, error) {
	name, ok := n[addr.String()]
	if !ok {
		return "", fmt.Errorf("no name for %s", addr)
	}
	return name, nil
}

func counts(ruleID uint64, total uint64, addresses ...string) []discovery.CheckCount {
	out := make([]discovery.CheckCount, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, discovery.CheckCount{RuleID: ruleID, Address: a, Total: total})
	}
	return out
}

func service(checkID uint64, port uint16, up bool) discovery.ServiceResult {
	return discovery.ServiceResult{
		CheckID:   checkID,
		Type:      discovery.CheckHTTP,
		Port:      port,
		Up:        up,
		CheckedAt: time.Now(),
	}
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestCollectorTracksProgress(t *testing.T) {
	c := NewCollector(nil)
	c.Expect(counts(1, 4, "10.0.0.1", "10.0.0.2"))

	p, ok := c.Progress(1)
	require.True(t, ok)
	assert.Equal(t, uint64(4), p.Expected)
	assert.Equal(t, 2, p.Hosts)
	assert.False(t, p.Done)

	c.Record(1, "10.0.0.1", service(10, 80, true))
	c.Record(1, "10.0.0.1", service(10, 443, false))
	c.Record(1, "10.0.0.2", service(10, 80, false))

	p, _ = c.Progress(1)
	assert.Equal(t, uint64(3), p.Checked)
	assert.Equal(t, 1, p.HostsUp)
	assert.False(t, p.Done)

	c.Record(1, "10.0.0.2", service(10, 443, false))
	p, _ = c.Progress(1)
	assert.True(t, p.Done)

	_, ok = c.Progress(2)
	assert.False(t, ok)
}

func TestCollectorHosts(t *testing.T) {
	c := NewCollector(nil)
	c.Expect(counts(1, 3, "10.0.0.10", "10.0.0.9", "10.0.0.100"))

	unique := service(11, 161, true)
	unique.Unique = true
	unique.Value = "core-sw-01"
	c.Record(1, "10.0.0.100", unique)
	c.Record(1, "10.0.0.9", service(10, 80, true))
	c.Record(1, "10.0.0.10", service(10, 80, false))

	all := c.Hosts(1, false)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"10.0.0.9", "10.0.0.10", "10.0.0.100"},
		[]string{all[0].Address, all[1].Address, all[2].Address})
	assert.Empty(t, all[1].Services, "only answering services are kept")

	up := c.Hosts(1, true)
	require.Len(t, up, 2)
	assert.Equal(t, "core-sw-01", up[1].UniqueValue)

	up[0].Services[0].Value = "mutated"
	assert.Empty(t, c.Hosts(1, true)[0].Services[0].Value, "hosts are returned as copies")

	c.Forget(1)
	assert.Nil(t, c.Hosts(1, false))
}

func TestCollectorExpectStartsNewRun(t *testing.T) {
	c := NewCollector(nil)
	c.Expect(counts(1, 1, "10.0.0.1"))
	c.Record(1, "10.0.0.1", service(10, 80, true))

	c.Expect(counts(1, 2, "10.0.0.1", "10.0.0.2"))
	p, _ := c.Progress(1)
	assert.Equal(t, Progress{RuleID: 1, Expected: 2, Hosts: 2, StartedAt: p.StartedAt}, p)
	assert.Empty(t, c.Hosts(1, true))
}

func TestCollectorRecordWithoutExpect(t *testing.T) {
	c := NewCollector(nil)
	c.Record(3, "10.0.0.1", service(30, 22, true))

	p, ok := c.Progress(3)
	require.True(t, ok)
	assert.Equal(t, uint64(1), p.Checked)
	assert.False(t, p.Done, "a run without expected checks never completes")
}

func TestCollectorEvents(t *testing.T) {
	c := NewCollector(nil)
	id, events := c.Subscribe(16)
	assert.Equal(t, 1, c.Subscribers())

	c.Expect(counts(1, 3, "10.0.0.1"))
	c.Record(1, "10.0.0.1", service(10, 80, true))
	c.Record(1, "10.0.0.1", service(10, 443, true))
	c.Record(1, "10.0.0.1", service(10, 8080, false))

	hostUp := next(t, events)
	assert.Equal(t, EventHostUp, hostUp.Type)
	assert.Equal(t, "10.0.0.1", hostUp.Address)
	assert.NotEqual(t, uuid.Nil, hostUp.ID)

	first := next(t, events)
	assert.Equal(t, EventServiceUp, first.Type)
	require.NotNil(t, first.Service)
	assert.Equal(t, uint16(80), first.Service.Port)

	second := next(t, events)
	assert.Equal(t, EventServiceUp, second.Type)
	assert.Equal(t, uint16(443), second.Service.Port)
	assert.NotEqual(t, first.ID, second.ID)

	done := next(t, events)
	assert.Equal(t, EventRuleComplete, done.Type)
	require.NotNil(t, done.Progress)
	assert.Equal(t, uint64(3), done.Progress.Checked)

	c.Unsubscribe(id)
	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, c.Subscribers())
	c.Unsubscribe(id)
}

func TestCollectorDropsEventsForSlowSubscribers(t *testing.T) {
	c := NewCollector(nil)
	_, events := c.Subscribe(1)

	c.Record(1, "10.0.0.1", service(10, 80, true))

	assert.Len(t, events, 1)
	assert.Equal(t, uint64(1), c.Dropped())
}

func TestCollectorResolvesHostNames(t *testing.T) {
	c := NewCollector(staticNames{"10.0.0.1": "web01.example.com"})
	_, events := c.Subscribe(16)

	c.Expect(counts(1, 2, "10.0.0.1", "10.0.0.2"))
	c.Record(1, "10.0.0.1", service(10, 80, true))
	c.Record(1, "10.0.0.2", service(10, 80, true))

	var named Event
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-events:
				if e.Type == EventHostName {
					named = e
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "10.0.0.1", named.Address)
	assert.Equal(t, "web01.example.com", named.Name)
	assert.Equal(t, "web01.example.com", c.Hosts(1, true)[0].Name)
}
