package netmon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSocketPath       = "/tmp/netmon.sock"
	defaultWorkerBinary     = "./intfmon"
	defaultMaxConnections   = 2
	defaultBufferSize       = 256
	defaultReportIntervalMS = 1000
	defaultHandshakeMS      = 5000
	defaultMetricsPort      = "9990"
	defaultLogDir           = "./log/netmon"
	defaultSupervisorLog    = defaultLogDir + "/supervisor.log"
	defaultWorkerLog        = defaultLogDir + "/workers.log"
	defaultPIDFile          = "/tmp/netmon.pid"
)

// Config drives both the supervisor and the spawned interface monitors.
// Zero or missing numeric fields fall back to defaults; Validate rejects
// values that are present but unusable.
type Config struct {
	SocketPath         string   `yaml:"socketPath" json:"socketPath"`
	Interfaces         []string `yaml:"interfaces" json:"interfaces"`
	WorkerBinary       string   `yaml:"workerBinary" json:"workerBinary"`
	MaxConnections     int      `yaml:"maxConnections" json:"maxConnections"`
	BufferSize         int      `yaml:"bufferSize" json:"bufferSize"`
	ReportIntervalMS   int      `yaml:"reportIntervalMs" json:"reportIntervalMs"`
	HandshakeTimeoutMS int      `yaml:"handshakeTimeoutMs" json:"handshakeTimeoutMs"`
	MetricsPort        string   `yaml:"metricsPort" json:"metricsPort"`
	LogPath            string   `yaml:"logPath" json:"logPath"`
	WorkerLogPath      string   `yaml:"workerLogPath" json:"workerLogPath"`
	PIDFile            string   `yaml:"pidFile" json:"pidFile"`
	EnableRestart      bool     `yaml:"enableRestart" json:"enableRestart"`

	path string
}

func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads yaml or json config from the given path.
func LoadConfig(configPath string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // Remove UTF-8 BOM if present
	switch {
	case strings.Contains(configPath, ".yaml") || strings.Contains(configPath, ".yml"):
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	case strings.Contains(configPath, ".json"):
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	default:
		return nil, fmt.Errorf("failed to load config from %s: unsupported format", configPath)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.path = configPath
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = defaultSocketPath
	}
	if c.WorkerBinary == "" {
		c.WorkerBinary = defaultWorkerBinary
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.ReportIntervalMS <= 0 {
		c.ReportIntervalMS = defaultReportIntervalMS
	}
	if c.HandshakeTimeoutMS <= 0 {
		c.HandshakeTimeoutMS = defaultHandshakeMS
	}
	if c.MetricsPort == "" {
		c.MetricsPort = defaultMetricsPort
	}
	if c.LogPath == "" {
		c.LogPath = defaultSupervisorLog
	}
	if c.WorkerLogPath == "" {
		c.WorkerLogPath = defaultWorkerLog
	}
	if c.PIDFile == "" {
		c.PIDFile = defaultPIDFile
	}
}

func (c *Config) Validate() error {
	if c.BufferSize < 64 {
		return fmt.Errorf("bufferSize %d is too small; minimum is 64", c.BufferSize)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("maxConnections must be at least 1, got %d", c.MaxConnections)
	}
	for _, iface := range c.Interfaces {
		if strings.TrimSpace(iface) == "" {
			return fmt.Errorf("interface names must not be empty")
		}
	}
	return nil
}

func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalMS) * time.Millisecond
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}
