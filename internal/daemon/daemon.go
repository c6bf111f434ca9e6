// Package daemon wires the discovery engine together: the rules file and its
// macros, the queue and manager, the probe workers, the result collector, the
// rule scheduler and the API server. It owns their lifecycle and reacts to
// process signals.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/discoverer/internal/api"
	"github.com/anstrom/discoverer/internal/config"
	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/logging"
	"github.com/anstrom/discoverer/internal/metrics"
	"github.com/anstrom/discoverer/internal/probe"
	"github.com/anstrom/discoverer/internal/results"
	"github.com/anstrom/discoverer/internal/rules"
	"github.com/anstrom/discoverer/internal/scheduler"
	"github.com/anstrom/discoverer/internal/workers"
)

const (
	statsInterval  = 10 * time.Second
	systemInterval = 15 * time.Second
)

// Daemon represents the running discovery service.
type Daemon struct {
	config *config.Config

	queue      *discovery.Queue
	manager    *discovery.Manager
	resolver   *rules.MacroResolver
	collector  *results.Collector
	pool       *workers.Pool
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server
	prometheus *metrics.PrometheusMetrics

	logger *logging.Logger

	reloadMu sync.Mutex
	rules    []discovery.Rule
}

// Option customizes a daemon.
type Option func(*options)

type options struct {
	prober  discovery.Prober
	version string
}

// WithProber replaces the probe dispatcher built from the configuration.
func WithProber(p discovery.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithVersion sets the version reported by the API.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds every component of the daemon. Nothing runs until Run is
// called.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		resolver:   rules.NewMacroResolver(cfg.Macros),
		prometheus: metrics.NewPrometheusMetrics(),
		logger:     logging.Default().WithComponent("daemon"),
	}
	metrics.AttachPrometheus(d.prometheus)

	queue, err := discovery.NewQueue(cfg.QueueConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery queue: %w", err)
	}
	d.queue = queue

	d.collector = results.NewCollector(d.nameResolver())
	d.manager = discovery.NewManager(queue, discovery.NewCompiler(d.resolver), d.collector)

	prober := o.prober
	if prober == nil {
		prober = probe.NewDispatcher(cfg.ProbeConfig())
	}
	d.pool = workers.New(cfg.WorkerConfig(), queue, prober, d.collector)
	d.scheduler = scheduler.NewScheduler(d.manager, cfg.Discovery.DefaultDelay)

	if cfg.IsAPIEnabled() {
		d.apiServer = api.New(cfg.API, api.Dependencies{
			Engine:     d.manager,
			Results:    d.collector,
			Schedule:   d.scheduler,
			Reload:     d.Reload,
			Prometheus: d.prometheus,
			Version:    o.version,
		})
	}

	return d, nil
}

func (d *Daemon) nameResolver() results.NameResolver {
	if !d.config.Discovery.ResolveNames {
		return nil
	}
	r, err := probe.NewReverseResolver(d.config.Discovery.DNSServers, d.config.Discovery.ProbeTimeout)
	if err != nil {
		d.logger.Warn("Host name resolution disabled", "error", err)
		return nil
	}
	return r
}

// Run loads the rules, starts the workers, the scheduler and the API server
// and blocks until ctx is done or SIGTERM/SIGINT arrives. SIGHUP reloads the
// rules file and SIGUSR1 logs the daemon status.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.InfoDaemon("Starting discovery daemon",
		"workers", d.config.Discovery.Workers,
		"rules_file", d.config.Discovery.RulesFile)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d.pool.Start()

	if _, err := d.Reload(); err != nil {
		d.shutdown()
		return err
	}
	if err := d.scheduler.Start(); err != nil {
		d.shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if d.apiServer != nil {
		g.Go(func() error {
			d.logger.InfoDaemon("Starting API server", "address", d.config.GetAPIAddress())
			return d.apiServer.Start(gctx)
		})
	}

	g.Go(func() error {
		d.prometheus.StartPeriodicUpdates(gctx, systemInterval)
		return nil
	})
	g.Go(func() error {
		d.publishStats(gctx)
		return nil
	})
	g.Go(func() error {
		d.handleSignals(gctx)
		return nil
	})

	d.logger.InfoDaemon("Daemon started successfully")
	err := g.Wait()

	d.shutdown()
	return err
}

// Reload reads the rules file again, refreshes the macros and hands the rules
// to the scheduler. Results of removed rules are dropped.
func (d *Daemon) Reload() (rules.Changes, error) {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	file, err := rules.Load(d.config.Discovery.RulesFile)
	if err != nil {
		return rules.Changes{}, err
	}

	d.resolver.Replace(file.Resolver(d.config.Macros))
	defs := file.DiscoveryRules()
	changes := d.scheduler.Sync(defs)
	for _, id := range changes.Removed {
		d.collector.Forget(id)
	}
	d.rules = defs

	d.logger.InfoDaemon("Rules loaded",
		"rules", len(defs),
		"added", len(changes.Added),
		"changed", len(changes.Changed),
		"removed", len(changes.Removed))
	return changes, nil
}

// Rules returns the rules of the last successful load.
func (d *Daemon) Rules() []discovery.Rule {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()
	return d.rules
}

// Stats returns the queue statistics.
func (d *Daemon) Stats() discovery.QueueStats {
	return d.manager.Stats()
}

// Results returns the result collector.
func (d *Daemon) Results() *results.Collector {
	return d.collector
}

// Scheduler returns the rule scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// APIServer returns the API server, or nil when the API is disabled.
func (d *Daemon) APIServer() *api.Server {
	return d.apiServer
}

func (d *Daemon) publishStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := d.manager.Stats()
			metrics.SetQueueStats(s.Active, s.Pending, s.Permits)
		}
	}
}

func (d *Daemon) handleSignals(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			d.logger.InfoDaemon("Received signal", "signal", sig.String())
			switch sig {
			case syscall.SIGHUP:
				if _, err := d.Reload(); err != nil {
					d.logger.ErrorDaemon("Rules reload failed", err)
				}
			case syscall.SIGUSR1:
				d.dumpStatus()
			}
		}
	}
}

func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s := d.manager.Stats()

	d.logger.InfoDaemon("Daemon status",
		"pid", os.Getpid(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc/1024,
		"jobs", s.Active,
		"queued", s.Queued,
		"pending", s.Pending,
		"workers", s.Workers,
		"busy", d.pool.Busy(),
		"probed", d.pool.Probed(),
		"subscribers", d.collector.Subscribers(),
		"dropped_events", d.collector.Dropped())
}

// shutdown stops the components in dependency order: no new jobs, then no
// new probes, then the queue.
func (d *Daemon) shutdown() {
	d.logger.InfoDaemon("Performing cleanup")

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Discovery.ShutdownTimeout)
	defer cancel()
	d.scheduler.Stop(ctx)

	if err := d.pool.Shutdown(); err != nil {
		d.logger.ErrorDaemon("Worker pool shutdown failed", err)
	}
	d.queue.Shutdown()

	if n := d.collector.Dropped(); n > 0 {
		d.logger.Warn("Events were dropped for slow subscribers", "dropped", n)
	}
	metrics.AttachPrometheus(nil)
	d.logger.InfoDaemon("Cleanup completed")
}
