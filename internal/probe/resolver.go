package probe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// ReverseResolver resolves host names of discovered addresses through PTR
// queries.
type ReverseResolver struct {
	servers []string
	client  *dns.Client
}

// NewReverseResolver creates a resolver querying the given name servers in
// order. Without servers the system configuration is used.
func NewReverseResolver(servers []string, timeout time.Duration) (*ReverseResolver, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read resolver configuration: %w", err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no name server configured")
	}

	return &ReverseResolver{
		servers: servers,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}, nil
}

// LookupAddr returns the first PTR name of addr without the trailing dot, or
// an empty string when the address has none.
func (r *ReverseResolver) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	reverseName, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(reverseName, dns.TypePTR)

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return "", nil
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("reverse lookup of %s failed: %w", addr, lastErr)
}
