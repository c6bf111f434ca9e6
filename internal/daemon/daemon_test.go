package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/discoverer/internal/config"
	"github.com/anstrom/discoverer/internal/daemon"
	"github.com/anstrom/discoverer/internal/discovery"
)

const twoRules = `
rules:
  - id: 1
    name: office
    iprange: 10.0.0.1-4
    delay: 1h
    checks:
      - id: 10
        type: tcp
        ports: "22"
  - id: 2
    name: lab
    iprange: 10.0.1.1-2
    delay: 1h
    checks:
      - id: 20
        type: agent
        key: "{$AGENT_KEY}"
`

const oneRule = `
rules:
  - id: 1
    name: office
    iprange: 10.0.0.1-4
    delay: 1h
    checks:
      - id: 10
        type: tcp
        ports: "22"
`

// upProber reports a single address as up.
type upProber struct {
	up string
}

func (p upProber) Probe(_ context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	return discovery.ProbeResult{Up: req.Address.String() == p.up}, nil
}

func testConfig(t *testing.T, rulesYAML string) *config.Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	cfg := config.Default()
	cfg.Discovery.Workers = 2
	cfg.Discovery.RulesFile = path
	cfg.Discovery.ResolveNames = false
	cfg.Discovery.ShutdownTimeout = 5 * time.Second
	cfg.API.Enabled = false
	cfg.Macros = map[string]string{"AGENT_KEY": "agent.ping"}
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Discovery.Workers = 0

	_, err := daemon.New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestNewWithoutAPI(t *testing.T) {
	d, err := daemon.New(testConfig(t, oneRule))
	require.NoError(t, err)
	assert.Nil(t, d.APIServer())
	assert.NotNil(t, d.Scheduler())
	assert.NotNil(t, d.Results())
}

func TestRunDiscoversAndStops(t *testing.T) {
	d, err := daemon.New(testConfig(t, twoRules), daemon.WithProber(upProber{up: "10.0.0.2"}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		p, ok := d.Results().Progress(1)
		return ok && p.Done
	}, 5*time.Second, 10*time.Millisecond)

	hosts := d.Results().Hosts(1, true)
	require.Len(t, hosts, 1)
	assert.Equal(t, "10.0.0.2", hosts[0].Address)

	require.Eventually(t, func() bool {
		p, ok := d.Results().Progress(2)
		return ok && p.Done
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, d.Results().Hosts(2, true))

	assert.Len(t, d.Rules(), 2)
	assert.Len(t, d.Scheduler().Rules(), 2)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Zero(t, d.Stats().Workers)
}

func TestReload(t *testing.T) {
	cfg := testConfig(t, twoRules)
	d, err := daemon.New(cfg, daemon.WithProber(upProber{}))
	require.NoError(t, err)

	changes, err := d.Reload()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, changes.Added)

	require.NoError(t, os.WriteFile(cfg.Discovery.RulesFile, []byte(oneRule), 0o600))
	changes, err = d.Reload()
	require.NoError(t, err)
	assert.Empty(t, changes.Added)
	assert.Empty(t, changes.Changed)
	assert.Equal(t, []uint64{2}, changes.Removed)

	_, ok := d.Scheduler().Rule(2)
	assert.False(t, ok)
	_, ok = d.Results().Progress(2)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(cfg.Discovery.RulesFile, []byte("rules: [oops"), 0o600))
	_, err = d.Reload()
	require.Error(t, err)
	assert.Len(t, d.Rules(), 1, "a failed reload keeps the previous rules")
}

func TestRunFailsWithoutRulesFile(t *testing.T) {
	cfg := testConfig(t, oneRule)
	cfg.Discovery.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")

	d, err := daemon.New(cfg, daemon.WithProber(upProber{}))
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read rules file")
}
