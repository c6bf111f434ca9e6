package probe

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/discoverer/internal/discovery"
)

// dnsProber asks the server for the SOA record of the root zone, or of the
// zone named by the check key. Any well-formed answer means a name server
// listens on the port; the value is its response code.
type dnsProber struct {
	timeout time.Duration
}

func (p *dnsProber) probe(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	zone := "."
	if req.Check.Key != "" {
		zone = dns.Fqdn(req.Check.Key)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(zone, dns.TypeSOA)
	msg.RecursionDesired = false

	client := &dns.Client{Net: "udp", Timeout: p.timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, hostPort(req))
	if err != nil {
		return down(), nil
	}
	if resp.Id != msg.Id {
		return down(), nil
	}
	return up(dns.RcodeToString[resp.Rcode]), nil
}
