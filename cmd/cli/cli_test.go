package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/discoverer/internal/config"
	"github.com/anstrom/discoverer/internal/logging"
	"github.com/anstrom/discoverer/internal/rules"
)

func TestParseRanges(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int
		wantErr bool
	}{
		{name: "single range", text: "192.168.1.1-20", want: 1},
		{name: "list with spaces", text: "192.168.1.1-20, 10.0.0.0/24", want: 2},
		{name: "trailing comma", text: "10.0.0.1,", want: 1},
		{name: "ipv6", text: "fe80::1-ff", want: 1},
		{name: "empty", text: " , ", wantErr: true},
		{name: "bad segment", text: "10.0.0.1,10.0.0.300", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges, err := parseRanges(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, ranges, tt.want)
		})
	}
}

func TestShowRanges(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, showRanges(&buf, "192.168.1.1-20,192.168.1.10-30", false, 0))

	out := buf.String()
	assert.Contains(t, out, "192.168.1.1-20")
	assert.Contains(t, out, "192.168.1.10-30")
	assert.Contains(t, out, "Distinct addresses: 30")
}

func TestShowRangesList(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, showRanges(&buf, "10.0.0.0/29", true, 0))

	out := buf.String()
	assert.Contains(t, out, "Distinct addresses: 6")
	assert.Contains(t, out, "10.0.0.1\n")
	assert.Contains(t, out, "10.0.0.6\n")
	assert.NotContains(t, out, "10.0.0.7\n", "broadcast address is not listed")

	buf.Reset()
	require.NoError(t, showRanges(&buf, "10.0.0.1-10", true, 3))
	out = buf.String()
	assert.Contains(t, out, "10.0.0.3\n")
	assert.NotContains(t, out, "10.0.0.4\n")
	assert.Contains(t, out, "... 7 more")
}

func TestShowRangesOversized(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "ipv4 /8", text: "10.0.0.0/8", want: "16777214 (too large)"},
		{name: "ipv6 /64", text: "::/64", want: "(too large)"},
		{name: "mixed with a small range", text: "192.168.1.1-20,10.0.0.0/8", want: "16777214 (too large)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, showRanges(&buf, tt.text, false, 0))

			out := buf.String()
			assert.Contains(t, out, tt.want)
			assert.Contains(t, out, "Distinct addresses: not counted, 1 ranges above 65536 addresses")

			buf.Reset()
			err := showRanges(&buf, tt.text, true, 3)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "cannot list ranges above 65536 addresses")
		})
	}

	var buf bytes.Buffer
	require.NoError(t, showRanges(&buf, "10.0.0.0/16", false, 0))
	assert.Contains(t, buf.String(), "Distinct addresses: 65534", "a range at the limit is still counted")
}

const planRules = `
macros:
  COMMUNITY: public
rules:
  - id: 1
    name: office
    iprange: 10.0.0.1-4
    concurrency: 2
    checks:
      - id: 10
        type: tcp
        ports: "22,80"
      - id: 11
        type: snmpv2c
        key: 1.3.6.1.2.1.1.5.0
        snmp:
          community: "{$COMMUNITY}"
  - id: 2
    name: broken
    iprange: 10.0.0.300
    checks:
      - id: 20
        type: icmp
`

func TestShowPlan(t *testing.T) {
	file, err := rules.Parse([]byte(planRules))
	require.NoError(t, err)

	var buf bytes.Buffer
	err = showPlan(&buf, file, nil)
	require.Error(t, err, "rule 2 has errors")
	assert.Contains(t, err.Error(), "1 rules have errors")

	out := buf.String()
	assert.Contains(t, out, "office")
	// 4 addresses, 2 ports for tcp and 1 unit for snmp
	assert.Contains(t, out, "Jobs: 1, units: 12")
	assert.Contains(t, out, "10.0.0.300")
}

func TestShowPlanClean(t *testing.T) {
	file, err := rules.Parse([]byte(`
rules:
  - id: 5
    name: lab
    iprange: 192.168.0.0/30
    checks:
      - id: 50
        type: icmp
`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, showPlan(&buf, file, nil))
	assert.Contains(t, buf.String(), "Jobs: 1, units: 2")
	assert.Contains(t, buf.String(), "unlimited")
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Cleanup(func() {
		viper.Reset()
		cfgFile = ""
	})

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.Default()
	cfg.Discovery.Workers = 4
	require.NoError(t, cfg.Save(path))

	cfgFile = path
	viper.Set("api.port", 9191)
	viper.Set("logging.format", "json")

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Discovery.Workers)
	assert.Equal(t, 9191, loaded.API.Port)
	assert.Equal(t, logging.FormatJSON, loaded.Logging.Format)

	viper.Set("discovery.workers", 0)
	_, err = loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestConfigCommandMasksMacros(t *testing.T) {
	t.Cleanup(func() {
		viper.Reset()
		cfgFile = ""
	})

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("macros:\n  SECRET: hunter2\n"), 0o600))
	cfgFile = path

	var buf bytes.Buffer
	configCmd.SetOut(&buf)
	require.NoError(t, configCmd.RunE(configCmd, nil))

	out := buf.String()
	assert.Contains(t, out, "SECRET")
	assert.NotContains(t, out, "hunter2")
	assert.True(t, strings.Contains(out, "workers: 10"))
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "today")
	t.Cleanup(func() { SetVersion("dev", "none", "unknown") })

	assert.Equal(t, "1.2.3 (commit: abc123, built: today)", getVersion())
	assert.Equal(t, getVersion(), rootCmd.Version)

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "discoverer 1.2.3 (commit: abc123, built: today)\n", buf.String())
}
