// Package config holds the daemon configuration: discovery and probe
// settings, the API server, logging, and the global macros used by rules.
package config

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/errors"
	"github.com/anstrom/discoverer/internal/logging"
	"github.com/anstrom/discoverer/internal/probe"
	"github.com/anstrom/discoverer/internal/workers"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete daemon configuration
type Config struct {
	// Discovery engine and probe settings
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Macros are the global {$NAME} values available to every rule
	Macros map[string]string `yaml:"macros" json:"-"`
}

// DiscoveryConfig holds the settings of the discovery engine.
type DiscoveryConfig struct {
	// Number of concurrent discovery workers
	Workers int `yaml:"workers" json:"workers" validate:"min=1,max=1000"`

	// Largest number of checks a worker takes from a split task (0 = never split)
	ChecksPerWorkerMax uint64 `yaml:"checks_per_worker_max" json:"checks_per_worker_max"`

	// Number of SNMPv3 checks that may run at the same time
	SNMPv3Sessions int `yaml:"snmpv3_sessions" json:"snmpv3_sessions" validate:"min=1"`

	// Timeout of a single probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"gt=0"`

	// Read the greeting line of banner services
	ReadBanner bool `yaml:"read_banner" json:"read_banner"`

	// nmap binary used by icmp checks (empty = search PATH)
	NmapPath string `yaml:"nmap_path" json:"nmap_path"`

	// Probes per second across all workers (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`

	// Burst of probes allowed above the rate limit
	RateBurst int `yaml:"rate_burst" json:"rate_burst" validate:"gte=0"`

	// Rules file loaded at startup and on reload
	RulesFile string `yaml:"rules_file" json:"rules_file"`

	// Interval of rules that do not set a delay
	DefaultDelay time.Duration `yaml:"default_delay" json:"default_delay" validate:"gte=1s"`

	// Resolve host names of discovered hosts
	ResolveNames bool `yaml:"resolve_names" json:"resolve_names"`

	// DNS servers for host name resolution (empty = /etc/resolv.conf)
	DNSServers []string `yaml:"dns_servers,omitempty" json:"dns_servers,omitempty" validate:"dive,hostname_port"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"required_if=Enabled true"`

	// Listen port
	Port int `yaml:"port" json:"port" validate:"min=0,max=65535"`

	// Request read timeout
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`

	// Response write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Workers:            10,
			ChecksPerWorkerMax: 256,
			SNMPv3Sessions:     1,
			ProbeTimeout:       3 * time.Second,
			ReadBanner:         true,
			RateLimit:          0,
			RateBurst:          1,
			RulesFile:          "rules.yaml",
			DefaultDelay:       time.Hour,
			ResolveNames:       true,
			ShutdownTimeout:    30 * time.Second,
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: logging.DefaultConfig(),
		Macros:  map[string]string{},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration. Struct constraints are reported as a
// ConfigError naming the first offending field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.ErrConfigInvalid(fe.Namespace(), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "configuration validation failed", err)
	}

	if c.API.Enabled && c.API.Port == 0 {
		return errors.ErrConfigInvalid("Config.API.Port", c.API.Port)
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("Config.Logging.Level", c.Logging.Level)
	}

	validLogFormats := map[logging.LogFormat]bool{
		logging.FormatText: true,
		logging.FormatJSON: true,
	}
	if !validLogFormats[c.Logging.Format] {
		return errors.ErrConfigInvalid("Config.Logging.Format", c.Logging.Format)
	}

	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.ListenAddr, strconv.Itoa(c.API.Port))
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// QueueConfig returns the settings of the discovery queue.
func (c *Config) QueueConfig() discovery.QueueConfig {
	return discovery.QueueConfig{
		ChecksPerWorkerMax: c.Discovery.ChecksPerWorkerMax,
		SNMPv3Sessions:     c.Discovery.SNMPv3Sessions,
	}
}

// WorkerConfig returns the settings of the worker pool.
func (c *Config) WorkerConfig() workers.Config {
	return workers.Config{
		Size:            c.Discovery.Workers,
		RateLimit:       c.Discovery.RateLimit,
		Burst:           c.Discovery.RateBurst,
		ShutdownTimeout: c.Discovery.ShutdownTimeout,
	}
}

// ProbeConfig returns the settings of the probe dispatcher.
func (c *Config) ProbeConfig() probe.Config {
	return probe.Config{
		Timeout:    c.Discovery.ProbeTimeout,
		ReadBanner: c.Discovery.ReadBanner,
		NmapPath:   c.Discovery.NmapPath,
	}
}
