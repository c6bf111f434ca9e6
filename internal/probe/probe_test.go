package probe

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/errors"
	"github.com/anstrom/discoverer/internal/iprange"
)

func loopback(t *testing.T) iprange.Address {
	t.Helper()
	r, err := iprange.Parse("127.0.0.1")
	require.NoError(t, err)
	return r.First()
}

func request(t *testing.T, checkType discovery.CheckType, port int) discovery.ProbeRequest {
	t.Helper()
	return discovery.ProbeRequest{
		Address: loopback(t),
		Port:    uint16(port),
		Check:   &discovery.Check{ID: 1, Type: checkType},
	}
}

func listenTCP(t *testing.T, serve func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				serve(conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(Config{Timeout: 2 * time.Second})
}

func TestDispatcherValidation(t *testing.T) {
	d := newTestDispatcher()

	_, err := d.Probe(context.Background(), discovery.ProbeRequest{Address: loopback(t)})
	assert.True(t, errors.IsCode(err, errors.CodeInternal))

	_, err = d.Probe(context.Background(), request(t, "gopher", 70))
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestDispatcherWrapsProbeErrors(t *testing.T) {
	d := newTestDispatcher()
	d.Register(discovery.CheckTCP, func(context.Context, discovery.ProbeRequest) (discovery.ProbeResult, error) {
		return discovery.ProbeResult{}, stderrors.New("garbled answer")
	})

	_, err := d.Probe(context.Background(), request(t, discovery.CheckTCP, 9))
	require.Error(t, err)

	var probeErr *errors.ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.Equal(t, errors.CodeProbeFailed, probeErr.Code)
	assert.Equal(t, "127.0.0.1", probeErr.Address)
	assert.Equal(t, "tcp", probeErr.CheckType)
}

func TestDispatcherHonorsCancellation(t *testing.T) {
	d := newTestDispatcher()
	called := false
	d.Register(discovery.CheckTCP, func(context.Context, discovery.ProbeRequest) (discovery.ProbeResult, error) {
		called = true
		return discovery.ProbeResult{Up: true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Probe(ctx, request(t, discovery.CheckTCP, 9))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestTCPProbe(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	silent := listenTCP(t, func(conn net.Conn) {
		time.Sleep(100 * time.Millisecond)
	})
	greeting := listenTCP(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("220 ftp.example.com ready\r\n"))
	})

	t.Run("open port", func(t *testing.T) {
		res, err := d.Probe(ctx, request(t, discovery.CheckTCP, silent))
		require.NoError(t, err)
		assert.Equal(t, discovery.ProbeResult{Up: true}, res)
	})

	t.Run("greeting", func(t *testing.T) {
		res, err := d.Probe(ctx, request(t, discovery.CheckFTP, greeting))
		require.NoError(t, err)
		assert.True(t, res.Up)
		assert.Equal(t, "220 ftp.example.com ready", res.Value)
	})

	t.Run("closed port", func(t *testing.T) {
		res, err := d.Probe(ctx, request(t, discovery.CheckSMTP, closedPort(t)))
		require.NoError(t, err)
		assert.False(t, res.Up)
	})
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Server", "test-httpd/1.0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	res, err := newTestDispatcher().Probe(context.Background(), request(t, discovery.CheckHTTP, port))
	require.NoError(t, err)
	assert.Equal(t, discovery.ProbeResult{Up: true, Value: "test-httpd/1.0"}, res)

	res, err = newTestDispatcher().Probe(context.Background(), request(t, discovery.CheckHTTP, closedPort(t)))
	require.NoError(t, err)
	assert.False(t, res.Up)
}

func TestHTTPSProbe(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	res, err := newTestDispatcher().Probe(context.Background(), request(t, discovery.CheckHTTPS, port))
	require.NoError(t, err)
	assert.Equal(t, discovery.ProbeResult{Up: true, Value: "204"}, res)
}

func TestSSHProbe(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
			return nil, stderrors.New("denied")
		},
	}
	config.AddHostKey(signer)

	port := listenTCP(t, func(conn net.Conn) {
		_, _, _, _ = ssh.NewServerConn(conn, config)
	})

	res, err := newTestDispatcher().Probe(context.Background(), request(t, discovery.CheckSSH, port))
	require.NoError(t, err)
	assert.True(t, res.Up)
	assert.Equal(t, ssh.FingerprintSHA256(signer.PublicKey()), res.Value)

	notSSH := listenTCP(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("220 smtp ready\r\n"))
	})
	res, err = newTestDispatcher().Probe(context.Background(), request(t, discovery.CheckSSH, notSSH))
	require.NoError(t, err)
	assert.False(t, res.Up)
}

func TestAgentProbe(t *testing.T) {
	answers := map[string]string{
		"agent.ping":    "1",
		"system.uname":  "Linux host 6.1.0",
		"vfs.fs.broken": agentNotSupported + "\x00Unsupported item key.",
	}
	port := listenTCP(t, func(conn net.Conn) {
		header := make([]byte, agentHeaderLength)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		key := make([]byte, int(header[len(agentHeader)]))
		if _, err := io.ReadFull(conn, key); err != nil {
			return
		}
		_, _ = conn.Write(encodeAgentRequest(answers[string(key)]))
	})

	d := newTestDispatcher()
	req := request(t, discovery.CheckAgent, port)

	res, err := d.Probe(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, discovery.ProbeResult{Up: true, Value: "1"}, res, "agent.ping is the default key")

	req.Check.Key = "system.uname"
	res, err = d.Probe(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Linux host 6.1.0", res.Value)

	req.Check.Key = "vfs.fs.broken"
	res, err = d.Probe(context.Background(), req)
	assert.False(t, res.Up)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported item key.")
}

func TestAgentFraming(t *testing.T) {
	frame := encodeAgentRequest("agent.version")
	assert.Equal(t, []byte("ZBXD\x01"), frame[:5])
	assert.Equal(t, byte(len("agent.version")), frame[5])

	value, err := decodeAgentResponse(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, "agent.version", value)

	_, err = decodeAgentResponse(bytes.NewReader([]byte("HTTP/1.1 400 Bad Request\r\n")))
	assert.Error(t, err)
}

func startDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSProbe(t *testing.T) {
	addr := startDNSServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(m)
	})
	_, portText, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	res, err := newTestDispatcher().Probe(context.Background(), request(t, discovery.CheckDNS, port))
	require.NoError(t, err)
	assert.Equal(t, discovery.ProbeResult{Up: true, Value: "REFUSED"}, res)
}

func TestReverseResolver(t *testing.T) {
	addr := startDNSServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if r.Question[0].Name == "1.0.0.127.in-addr.arpa." {
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
				Ptr: "localhost.example.com.",
			})
		} else {
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	resolver, err := NewReverseResolver([]string{addr}, time.Second)
	require.NoError(t, err)

	name, err := resolver.LookupAddr(context.Background(), loopback(t).Addr())
	require.NoError(t, err)
	assert.Equal(t, "localhost.example.com", name)

	other, err := iprange.Parse("10.0.0.1")
	require.NoError(t, err)
	name, err = resolver.LookupAddr(context.Background(), other.First().Addr())
	require.NoError(t, err)
	assert.Empty(t, name)
}
