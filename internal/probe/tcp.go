package probe

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/anstrom/discoverer/internal/discovery"
)

// tcpProber covers the services whose presence is decided by an accepted
// connection. Line-based services that greet the client report the first
// line of their greeting.
type tcpProber struct {
	timeout time.Duration
	banner  bool
}

func (p *tcpProber) connect(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	return p.probe(ctx, req, p.banner)
}

func (p *tcpProber) greeting(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	return p.probe(ctx, req, true)
}

func (p *tcpProber) probe(ctx context.Context, req discovery.ProbeRequest, readBanner bool) (discovery.ProbeResult, error) {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort(req))
	if err != nil {
		if unreachable(err) {
			return down(), nil
		}
		return down(), err
	}
	defer func() { _ = conn.Close() }()

	if !readBanner {
		return up(""), nil
	}
	return up(readLine(conn, p.timeout)), nil
}

// readLine returns the first line the peer sends within timeout, or an empty
// string when it stays silent.
func readLine(conn net.Conn, timeout time.Duration) string {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	r := bufio.NewReaderSize(conn, maxBannerBytes)
	line, err := r.ReadSlice('\n')
	if err != nil && len(line) == 0 {
		return ""
	}
	return strings.TrimSpace(string(line))
}
