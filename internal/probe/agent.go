package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/anstrom/discoverer/internal/discovery"
)

const (
	agentHeader       = "ZBXD\x01"
	agentHeaderLength = len(agentHeader) + 8
	agentMaxResponse  = 64 * 1024
	agentNotSupported = "ZBX_NOTSUPPORTED"
	agentDefaultKey   = "agent.ping"
)

// agentProber queries an item key of a monitoring agent using the ZBXD
// framed protocol.
type agentProber struct {
	timeout time.Duration
}

func (p *agentProber) probe(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort(req))
	if err != nil {
		if unreachable(err) {
			return down(), nil
		}
		return down(), err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(p.timeout))

	key := req.Check.Key
	if key == "" {
		key = agentDefaultKey
	}

	if _, err := conn.Write(encodeAgentRequest(key)); err != nil {
		return down(), nil
	}

	value, err := decodeAgentResponse(conn)
	if err != nil {
		if unreachable(err) {
			return down(), nil
		}
		return down(), err
	}

	if reason, ok := strings.CutPrefix(value, agentNotSupported); ok {
		reason = strings.Trim(reason, "\x00 ")
		if reason == "" {
			return down(), fmt.Errorf("item %q is not supported", key)
		}
		return down(), fmt.Errorf("item %q is not supported: %s", key, reason)
	}
	return up(value), nil
}

func encodeAgentRequest(key string) []byte {
	buf := make([]byte, agentHeaderLength, agentHeaderLength+len(key))
	copy(buf, agentHeader)
	binary.LittleEndian.PutUint32(buf[len(agentHeader):], uint32(len(key)))
	return append(buf, key...)
}

func decodeAgentResponse(r io.Reader) (string, error) {
	header := make([]byte, agentHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", err
	}
	if !bytes.Equal(header[:len(agentHeader)], []byte(agentHeader)) {
		return "", fmt.Errorf("unexpected agent response header %q", header[:len(agentHeader)])
	}

	size := binary.LittleEndian.Uint32(header[len(agentHeader):])
	if size > agentMaxResponse {
		return "", fmt.Errorf("agent response of %d bytes exceeds the limit of %d", size, agentMaxResponse)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}
