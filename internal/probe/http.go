package probe

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anstrom/discoverer/internal/discovery"
)

type httpProber struct {
	client *http.Client
}

func newHTTPProber(timeout time.Duration) *httpProber {
	transport := &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // presence check only
		DisableKeepAlives: true,
	}
	return &httpProber{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *httpProber) probeHTTP(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	return p.probe(ctx, "http", req)
}

func (p *httpProber) probeHTTPS(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	return p.probe(ctx, "https", req)
}

// probe issues a GET of the root document. Any HTTP response counts as up;
// the value is the Server header, or the status code when there is none.
func (p *httpProber) probe(ctx context.Context, scheme string, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	target := url.URL{Scheme: scheme, Host: hostPort(req), Path: "/"}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return down(), err
	}
	httpReq.Header.Set("User-Agent", "discoverer")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// Refused connections, timeouts and failed handshakes all mean no
		// service of this kind listens on the port.
		return down(), nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if server := resp.Header.Get("Server"); server != "" {
		return up(server), nil
	}
	return up(strconv.Itoa(resp.StatusCode)), nil
}
