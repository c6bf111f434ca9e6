package probe

import (
	"context"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/anstrom/discoverer/internal/discovery"
)

// sshProber performs the SSH handshake up to authentication. A server that
// presents its host key is up; the value is the SHA256 fingerprint of the key.
type sshProber struct {
	timeout time.Duration
}

func (p *sshProber) probe(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	address := hostPort(req)

	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if unreachable(err) {
			return down(), nil
		}
		return down(), err
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	var fingerprint string
	config := &ssh.ClientConfig{
		User: "discoverer",
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			fingerprint = ssh.FingerprintSHA256(key)
			return nil
		},
		Timeout: p.timeout,
	}

	// Without auth methods the handshake stops at authentication.
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err == nil {
		go ssh.DiscardRequests(reqs)
		go func() {
			for ch := range chans {
				_ = ch.Reject(ssh.Prohibited, "")
			}
		}()
		_ = sshConn.Close()
	}

	if fingerprint == "" {
		return down(), nil
	}
	return up(fingerprint), nil
}
