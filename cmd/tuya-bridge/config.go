package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"zigbee-tuya-bridge/internal/coordinator"
)

// Config is the daemon's YAML configuration.
type Config struct {
	Radio struct {
		Type    string `yaml:"type"` // "uart"
		Port    string `yaml:"port"`
		Baud    int    `yaml:"baud"`
		Version uint8  `yaml:"version"`
		// ShortAddress and Endpoint name the single device behind the
		// serial module; a seeded device with the same address receives
		// its frames.
		ShortAddress uint16 `yaml:"short_address"`
		Endpoint     uint8  `yaml:"endpoint"`
	} `yaml:"radio"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	History struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		Measurement   string `yaml:"measurement"`
		BatchSize     uint   `yaml:"batch_size"`
		FlushInterval uint   `yaml:"flush_interval"` // seconds
	} `yaml:"history"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	// TimeSync answers mcuSyncTime requests. Defaults to true.
	TimeSync   *bool        `yaml:"time_sync"`
	DevicesDir string       `yaml:"devices_dir"`
	ScriptsDir string       `yaml:"scripts_dir"`
	Devices    []seedDevice `yaml:"devices"`
}

// seedDevice registers a device at startup. Devices are not
// auto-discovered; the registry is this list plus API additions.
type seedDevice struct {
	IEEE         string         `yaml:"ieee"`
	ShortAddress uint16         `yaml:"short_address"`
	Endpoint     uint8          `yaml:"endpoint"`
	Manufacturer string         `yaml:"manufacturer"`
	Model        string         `yaml:"model"`
	FriendlyName string         `yaml:"friendly_name"`
	Options      map[string]any `yaml:"options"`
}

func (c *Config) validate() error {
	if c.Radio.Type != "uart" {
		return fmt.Errorf("radio.type must be uart, got %q", c.Radio.Type)
	}
	if c.Radio.Port == "" {
		return fmt.Errorf("radio.port is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Bucket == "") {
		return fmt.Errorf("history.url and history.bucket are required when history is enabled")
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		ieee, err := coordinator.NormalizeIEEE(d.IEEE)
		if err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[ieee] {
			return fmt.Errorf("devices[%d]: duplicate ieee %s", i, ieee)
		}
		seen[ieee] = true
		if d.Manufacturer == "" {
			return fmt.Errorf("devices[%d]: manufacturer is required", i)
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Radio.Type == "" {
		cfg.Radio.Type = "uart"
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 9600
	}
	if cfg.Radio.Endpoint == 0 {
		cfg.Radio.Endpoint = 1
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "tuya-bridge.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "tuya2mqtt"
	}
	if cfg.TimeSync == nil {
		on := true
		cfg.TimeSync = &on
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
