package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
radio:
  port: /dev/ttyACM0
network:
  channel: 15
  pan_id: 0x1A62
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Radio.Type != "zboss" || cfg.Radio.Baud != 460800 {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if cfg.Subsystem.ResponseTimeout != 10*time.Second || cfg.Subsystem.AlarmTimeout != 30*time.Second {
		t.Errorf("subsystem = %+v", cfg.Subsystem)
	}
	if cfg.Subsystem.StagedFrames != 16 {
		t.Errorf("staged frames = %d", cfg.Subsystem.StagedFrames)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "zcl-gateway.db" || cfg.DevicesDir != "devices" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.MQTT.TopicPrefix != "zcl" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("defaults not applied: mqtt=%+v log=%+v", cfg.MQTT, cfg.Log)
	}
	if nc := cfg.networkConfig(); nc.Channel != 15 || nc.PanID != 0x1A62 || nc.ExtPanID != 0 {
		t.Errorf("network = %+v", nc)
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
radio:
  type: zboss
  port: /dev/ttyUSB1
  baud: 115200
network:
  channel: 20
  pan_id: 0x1234
  extended_pan_id: "DD:DD:DD:DD:DD:DD:DD:01"
subsystem:
  response_timeout: 3s
  alarm_timeout: 1m
  staged_frames: 4
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  topic_prefix: home/zcl
log:
  level: debug
  format: json
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Subsystem.ResponseTimeout != 3*time.Second || cfg.Subsystem.AlarmTimeout != time.Minute || cfg.Subsystem.StagedFrames != 4 {
		t.Errorf("subsystem = %+v", cfg.Subsystem)
	}
	if nc := cfg.networkConfig(); nc.ExtPanID != 0xDDDDDDDDDDDDDD01 {
		t.Errorf("ext pan id = %016X", nc.ExtPanID)
	}
	if cfg.MQTT.TopicPrefix != "home/zcl" {
		t.Errorf("topic prefix = %q", cfg.MQTT.TopicPrefix)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing port", "network: {channel: 15, pan_id: 1}", "radio.port"},
		{"bad radio", "radio: {type: ezsp, port: x}\nnetwork: {channel: 15, pan_id: 1}", "unknown radio type"},
		{"low channel", "radio: {port: x}\nnetwork: {channel: 10, pan_id: 1}", "network.channel"},
		{"broadcast pan", "radio: {port: x}\nnetwork: {channel: 15, pan_id: 0xFFFF}", "network.pan_id"},
		{"bad ext pan", "radio: {port: x}\nnetwork: {channel: 15, pan_id: 1, extended_pan_id: nope}", "extended_pan_id"},
		{"mqtt broker", "radio: {port: x}\nnetwork: {channel: 15, pan_id: 1}\nmqtt: {enabled: true}", "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "radio: [")); err == nil {
		t.Error("expected error for bad YAML")
	}
}
