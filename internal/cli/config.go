package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/hive-exec/internal/communicator"
	"github.com/ChuLiYu/hive-exec/internal/coordinator"
	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/internal/worker"
)

// Config represents the complete node configuration
// Maps config file fields through YAML tags
type Config struct {
	Worker struct {
		ID                string        `yaml:"id"`
		Name              string        `yaml:"name"`
		MaxJobs           int           `yaml:"max_jobs"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		AbortTimeout      time.Duration `yaml:"abort_timeout"`
		SnapshotDir       string        `yaml:"snapshot_dir"`
		ModuleDir         string        `yaml:"module_dir"` // extra manifests besides the bundled modules
	} `yaml:"worker"`

	Coordinator struct {
		Listen           string        `yaml:"listen"`
		DataDir          string        `yaml:"data_dir"` // bbolt state; empty keeps state in memory
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		LivenessInterval time.Duration `yaml:"liveness_interval"`
		MaxAttempts      int           `yaml:"max_attempts"`
	} `yaml:"coordinator"`

	Communicator struct {
		Address      string        `yaml:"address"`
		CallTimeout  time.Duration `yaml:"call_timeout"`
		MaxRetries   int           `yaml:"max_retries"` // 0 uses the default, negative disables retries
		RetryBackoff time.Duration `yaml:"retry_backoff"`
	} `yaml:"communicator"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

const (
	DefaultListen      = ":7400"
	DefaultAddress     = "localhost:7400"
	DefaultSnapshotDir = "data/snapshots"
	DefaultMetricsPort = 9090
)

func (c *Config) applyDefaults() {
	if c.Worker.SnapshotDir == "" {
		c.Worker.SnapshotDir = DefaultSnapshotDir
	}
	if c.Coordinator.Listen == "" {
		c.Coordinator.Listen = DefaultListen
	}
	if c.Communicator.Address == "" {
		c.Communicator.Address = DefaultAddress
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Log.Level == "" {
		c.Log.Level = string(log.InfoLevel)
	}
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// loadConfig reads path; an empty path yields the defaults
func loadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Zero durations and counts are left for the components to default

func (c *Config) workerConfig() worker.Config {
	return worker.Config{
		ID:                c.Worker.ID,
		Name:              c.Worker.Name,
		MaxJobs:           c.Worker.MaxJobs,
		HeartbeatInterval: c.Worker.HeartbeatInterval,
		AbortTimeout:      c.Worker.AbortTimeout,
		Communicator:      c.communicatorConfig(),
	}
}

func (c *Config) coordinatorConfig() coordinator.Config {
	return coordinator.Config{
		HeartbeatTimeout: c.Coordinator.HeartbeatTimeout,
		LivenessInterval: c.Coordinator.LivenessInterval,
		MaxAttempts:      c.Coordinator.MaxAttempts,
	}
}

func (c *Config) communicatorConfig() communicator.Config {
	retries := c.Communicator.MaxRetries
	if retries == 0 {
		retries = communicator.DefaultConfig().MaxRetries
	}
	return communicator.Config{
		CallTimeout:  c.Communicator.CallTimeout,
		MaxRetries:   retries,
		RetryBackoff: c.Communicator.RetryBackoff,
	}
}

func (c *Config) logConfig() log.Config {
	return log.Config{Level: log.Level(c.Log.Level), JSONOutput: c.Log.JSON}
}
