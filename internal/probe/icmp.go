package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/logging"
)

// icmpProber runs an nmap ping scan of a single address. The scan needs the
// privileges nmap requires for ICMP echo.
type icmpProber struct {
	timeout time.Duration
	binary  string
}

// buildNmapOptions constructs the nmap options of a host discovery scan.
func buildNmapOptions(address string, ipv6 bool, timeout time.Duration, binary string) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(address),
		nmap.WithPingScan(), // Host discovery only, no port scan
		nmap.WithICMPEchoDiscovery(),
		nmap.WithDisabledDNSResolution(),
	}
	if ipv6 {
		options = append(options, nmap.WithIPv6Scanning())
	}
	if binary != "" {
		options = append(options, nmap.WithBinaryPath(binary))
	}

	// Add timing based on timeout
	if timeout <= 5*time.Second {
		options = append(options, nmap.WithTimingTemplate(nmap.TimingAggressive))
	} else if timeout <= 15*time.Second {
		options = append(options, nmap.WithTimingTemplate(nmap.TimingNormal))
	} else {
		options = append(options, nmap.WithTimingTemplate(nmap.TimingPolite))
	}

	return options
}

func (p *icmpProber) probe(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	addr := req.Address.Addr()

	// nmap needs more time than a single echo round trip to start and exit.
	scanCtx, cancel := context.WithTimeout(ctx, p.timeout*4)
	defer cancel()

	scanner, err := nmap.NewScanner(scanCtx, buildNmapOptions(addr.String(), addr.Is6(), p.timeout, p.binary)...)
	if err != nil {
		return down(), fmt.Errorf("failed to create nmap scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		if scanCtx.Err() != nil && ctx.Err() == nil {
			return down(), nil
		}
		return down(), fmt.Errorf("nmap ping scan failed: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		logging.Debug("Ping scan completed with warnings", "address", addr.String(), "warnings", *warnings)
	}

	return hostState(result.Hosts), nil
}

// hostState converts the hosts of a ping scan into a probe result.
func hostState(hosts []nmap.Host) discovery.ProbeResult {
	for i := range hosts {
		host := &hosts[i]
		if len(host.Addresses) == 0 || host.Status.State != "up" {
			continue
		}
		return up(host.Status.Reason)
	}
	return down()
}
