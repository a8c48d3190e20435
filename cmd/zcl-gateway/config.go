package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zcl-gateway/internal/hal"
)

type Config struct {
	Radio struct {
		Type string `yaml:"type"` // "zboss"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"radio"`
	Network struct {
		Channel  uint8  `yaml:"channel"`
		PanID    uint16 `yaml:"pan_id"`
		ExtPanID string `yaml:"extended_pan_id"`
	} `yaml:"network"`
	Subsystem struct {
		ResponseTimeout time.Duration `yaml:"response_timeout"`
		AlarmTimeout    time.Duration `yaml:"alarm_timeout"`
		StagedFrames    int           `yaml:"staged_frames"`
	} `yaml:"subsystem"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	DevicesDir string `yaml:"devices_dir"`
}

func (c *Config) validate() error {
	if c.Radio.Port == "" {
		return fmt.Errorf("radio.port is required")
	}
	if c.Radio.Type != "zboss" {
		return fmt.Errorf("unknown radio type: %q (supported: zboss)", c.Radio.Type)
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if _, err := c.extPanID(); err != nil {
		return err
	}
	if c.Subsystem.ResponseTimeout < 0 || c.Subsystem.AlarmTimeout < 0 || c.Subsystem.StagedFrames < 0 {
		return fmt.Errorf("subsystem timeouts and limits must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// extPanID parses network.extended_pan_id in any EUI-64 notation. Empty
// leaves the choice to the radio.
func (c *Config) extPanID() (uint64, error) {
	if c.Network.ExtPanID == "" {
		return 0, nil
	}
	v, err := hal.ParseEUI64(c.Network.ExtPanID)
	if err != nil {
		return 0, fmt.Errorf("network.extended_pan_id: %w", err)
	}
	return uint64(v), nil
}

func (c *Config) networkConfig() hal.NetworkConfig {
	ext, _ := c.extPanID()
	return hal.NetworkConfig{
		Channel:  c.Network.Channel,
		PanID:    c.Network.PanID,
		ExtPanID: ext,
	}
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
		cfg.Radio.Type = "zboss"
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 460800
	}
	if cfg.Subsystem.ResponseTimeout == 0 {
		cfg.Subsystem.ResponseTimeout = 10 * time.Second
	}
	if cfg.Subsystem.AlarmTimeout == 0 {
		cfg.Subsystem.AlarmTimeout = 30 * time.Second
	}
	if cfg.Subsystem.StagedFrames == 0 {
		cfg.Subsystem.StagedFrames = 16
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zcl-gateway.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zcl"
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
