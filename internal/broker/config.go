package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the broker configuration
type Config struct {
	Port          int    `json:"port" yaml:"port"`                                             // Listen port (default: 61614)
	Host          string `json:"host" yaml:"host"`                                             // Listen host (default: localhost)
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`                         // WebSocket endpoint (default: /stomp)
	MetricsPath   string `json:"metricsPath,omitempty" yaml:"metricsPath,omitempty"`           // Prometheus endpoint (default: /metrics)
	AppPrefix     string `json:"appPrefix,omitempty" yaml:"appPrefix,omitempty"`               // SEND prefix rewritten to BrokerPrefix, e.g. /app/
	BrokerPrefix  string `json:"brokerPrefix,omitempty" yaml:"brokerPrefix,omitempty"`         // e.g. /topic/
	QueueSize     int    `json:"queueSize,omitempty" yaml:"queueSize,omitempty"`               // Outbound frames buffered per connection (default: 1024)
	WriteTimeoutS int    `json:"writeTimeoutSec,omitempty" yaml:"writeTimeoutSec,omitempty"`   // Per-frame write deadline (default: 10s)
	StatsInterval int    `json:"statsIntervalSec,omitempty" yaml:"statsIntervalSec,omitempty"` // Stats log period, 0 disables
	ServerName    string `json:"serverName,omitempty" yaml:"serverName,omitempty"`             // CONNECTED server header
}

// DefaultConfig returns a broker listening on localhost:61614 with /app/ -> /topic/ routing
func DefaultConfig() *Config {
	c := &Config{
		AppPrefix:    "/app/",
		BrokerPrefix: "/topic/",
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 61614
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Path == "" {
		c.Path = "/stomp"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ServerName == "" {
		c.ServerName = "stompload"
	}
}

// GetWriteTimeout returns the per-frame write deadline
func (c *Config) GetWriteTimeout() time.Duration {
	if c.WriteTimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.WriteTimeoutS) * time.Second
}

// GetStatsInterval returns the stats logging period, or 0 when disabled
func (c *Config) GetStatsInterval() time.Duration {
	return time.Duration(c.StatsInterval) * time.Second
}

// LoadConfig loads a broker configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	return &config, nil
}

func validateConfig(config *Config) error {
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d out of range", config.Port)
	}
	if config.Path != "" && !strings.HasPrefix(config.Path, "/") {
		return fmt.Errorf("path must start with '/'")
	}
	if (config.AppPrefix == "") != (config.BrokerPrefix == "") {
		return fmt.Errorf("appPrefix and brokerPrefix must be set together")
	}
	return nil
}
