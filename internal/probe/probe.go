// Package probe executes discovery checks against a single address and port.
// The Dispatcher routes each request to the prober of its check type.
package probe

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/errors"
	"github.com/anstrom/discoverer/internal/logging"
)

const (
	defaultTimeout = 3 * time.Second
	maxBannerBytes = 256
)

// Config holds the probe settings shared by all check types.
type Config struct {
	Timeout time.Duration
	// ReadBanner reads the greeting of line-based services and reports its
	// first line as the probe value.
	ReadBanner bool
	// NmapPath overrides the nmap binary used by the icmp check.
	NmapPath string
}

// Func probes one unit. A service that does not answer is reported as down
// with a nil error; errors are reserved for services that answered in a way
// the check cannot interpret.
type Func func(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error)

// Dispatcher implements discovery.Prober.
type Dispatcher struct {
	cfg    Config
	probes map[discovery.CheckType]Func
	logger *logging.Logger
}

var _ discovery.Prober = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with a prober registered for every
// known check type.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	d := &Dispatcher{
		cfg:    cfg,
		probes: make(map[discovery.CheckType]Func),
		logger: logging.Default().WithComponent("probe"),
	}

	tcp := &tcpProber{timeout: cfg.Timeout, banner: cfg.ReadBanner}
	for _, t := range []discovery.CheckType{
		discovery.CheckTCP, discovery.CheckLDAP, discovery.CheckTelnet,
	} {
		d.Register(t, tcp.connect)
	}
	for _, t := range []discovery.CheckType{
		discovery.CheckFTP, discovery.CheckSMTP, discovery.CheckPOP,
		discovery.CheckNNTP, discovery.CheckIMAP,
	} {
		d.Register(t, tcp.greeting)
	}

	web := newHTTPProber(cfg.Timeout)
	d.Register(discovery.CheckHTTP, web.probeHTTP)
	d.Register(discovery.CheckHTTPS, web.probeHTTPS)

	d.Register(discovery.CheckSSH, (&sshProber{timeout: cfg.Timeout}).probe)
	d.Register(discovery.CheckAgent, (&agentProber{timeout: cfg.Timeout}).probe)
	d.Register(discovery.CheckDNS, (&dnsProber{timeout: cfg.Timeout}).probe)

	snmp := &snmpProber{timeout: cfg.Timeout}
	for _, t := range []discovery.CheckType{
		discovery.CheckSNMPv1, discovery.CheckSNMPv2c, discovery.CheckSNMPv3,
	} {
		d.Register(t, snmp.probe)
	}

	d.Register(discovery.CheckICMP, (&icmpProber{timeout: cfg.Timeout, binary: cfg.NmapPath}).probe)

	return d
}

// Register sets the prober of a check type, replacing any previous one.
func (d *Dispatcher) Register(t discovery.CheckType, fn Func) {
	d.probes[t] = fn
}

// Probe executes the check of req against its address and port.
func (d *Dispatcher) Probe(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	if req.Check == nil {
		return discovery.ProbeResult{}, errors.WrapProbeError(errors.CodeInternal,
			"probe request without check", req.Address.String(), "", nil)
	}

	fn, ok := d.probes[req.Check.Type]
	if !ok {
		return discovery.ProbeResult{}, errors.WrapProbeError(errors.CodeValidation,
			"unknown check type", req.Address.String(), string(req.Check.Type), nil)
	}

	if err := ctx.Err(); err != nil {
		return discovery.ProbeResult{}, err
	}

	res, err := fn(ctx, req)
	if err != nil {
		// Cancellation of the caller is not a property of the probed service.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return discovery.ProbeResult{}, ctxErr
		}
		var probeErr *errors.ProbeError
		if !stderrors.As(err, &probeErr) {
			err = errors.WrapProbeError(errors.CodeProbeFailed, "probe failed",
				req.Address.String(), string(req.Check.Type), err)
		}
		d.logger.DebugProbe("Probe failed", req.Address.String(),
			"check_type", req.Check.Type, "port", req.Port, "error", err)
		return res, err
	}

	d.logger.DebugProbe("Probe finished", req.Address.String(),
		"check_type", req.Check.Type, "port", req.Port, "up", res.Up)
	return res, nil
}

// hostPort formats the dial address of a request.
func hostPort(req discovery.ProbeRequest) string {
	return netip.AddrPortFrom(req.Address.Addr(), req.Port).String()
}

// unreachable reports whether err means nothing answered at the address.
// Such errors mark the service as down rather than failing the probe.
func unreachable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, os.ErrDeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return stderrors.As(err, &opErr)
}

func down() discovery.ProbeResult {
	return discovery.ProbeResult{}
}

func up(value string) discovery.ProbeResult {
	return discovery.ProbeResult{Up: true, Value: value}
}
