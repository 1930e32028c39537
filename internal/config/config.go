package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	Sync      SyncConfig      `yaml:"sync"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// MQTTConfig contains broker settings.
type MQTTConfig struct {
	Broker         string `yaml:"broker"`           // host:port
	ClientID       string `yaml:"client_id"`        // defaults to breeze-sync-server
	TopicPrefix    string `yaml:"topic_prefix"`     // defaults to breeze/devices
	ConnectTimeout int    `yaml:"connect_timeout_s"` // defaults to 10
	RetryInterval  int    `yaml:"retry_interval_s"`  // fixed reconnect backoff, defaults to 2
}

// HTTPConfig contains listen addresses for the viewer and metrics servers.
type HTTPConfig struct {
	Addr        string `yaml:"addr"`         // viewer websocket + health, defaults to :8081
	MetricsAddr string `yaml:"metrics_addr"` // prometheus, defaults to :9090
}

// SyncConfig contains the per-device synchronizer tolerances, in
// milliseconds as they appear on the wire and in dashboards.
type SyncConfig struct {
	MaxJitterMS     int     `yaml:"max_jitter_ms"`
	BufferTimeoutMS int     `yaml:"buffer_timeout_ms"`
	TargetLatencyMS int     `yaml:"target_latency_ms"`
	DropThreshold   float64 `yaml:"drop_threshold"`
}

// BroadcastConfig contains viewer fan-out settings.
type BroadcastConfig struct {
	ClientQueueSize int `yaml:"client_queue_size"` // per-viewer send buffer, defaults to 8
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:         "localhost:1883",
			ClientID:       "breeze-sync-server",
			TopicPrefix:    "breeze/devices",
			ConnectTimeout: 10,
			RetryInterval:  2,
		},
		HTTP: HTTPConfig{
			Addr:        ":8081",
			MetricsAddr: ":9090",
		},
		Sync: SyncConfig{
			MaxJitterMS:     50,
			BufferTimeoutMS: 500,
			TargetLatencyMS: 100,
			DropThreshold:   0.05,
		},
		Broadcast: BroadcastConfig{
			ClientQueueSize: 8,
		},
	}
}

// Load reads and parses a YAML configuration file, filling unset fields
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func Validate(cfg *Config) error {
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if cfg.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if strings.HasSuffix(cfg.MQTT.TopicPrefix, "/") {
		return fmt.Errorf("mqtt.topic_prefix must not end with a slash")
	}
	if cfg.Sync.MaxJitterMS <= 0 {
		return fmt.Errorf("sync.max_jitter_ms must be positive")
	}
	if cfg.Sync.BufferTimeoutMS <= 0 {
		return fmt.Errorf("sync.buffer_timeout_ms must be positive")
	}
	if cfg.Sync.DropThreshold < 0 || cfg.Sync.DropThreshold > 1 {
		return fmt.Errorf("sync.drop_threshold must be in [0, 1]")
	}
	if cfg.Broadcast.ClientQueueSize <= 0 {
		return fmt.Errorf("broadcast.client_queue_size must be positive")
	}
	return nil
}
