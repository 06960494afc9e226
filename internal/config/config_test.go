package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "multirec.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, "instance_id: desk-a\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.InstanceID != "desk-a" {
		t.Errorf("Expected instance desk-a, got %s", cfg.InstanceID)
	}
	if cfg.Capture.Backend != "synthetic" {
		t.Errorf("Expected synthetic backend default, got %s", cfg.Capture.Backend)
	}
	if cfg.Output.SegmentSeconds != 60 {
		t.Errorf("Expected 60s segment default, got %d", cfg.Output.SegmentSeconds)
	}
	if cfg.Output.DirPrefix != "multirec" {
		t.Errorf("Expected multirec prefix default, got %s", cfg.Output.DirPrefix)
	}
	if cfg.Session.StartTimeoutS != 10 || cfg.Session.StopGraceS != 5 {
		t.Errorf("Unexpected session timing defaults: %+v", cfg.Session)
	}
	if cfg.Capture.Video.Width != 1280 || cfg.Capture.Video.FPS != 30 {
		t.Errorf("Unexpected video defaults: %+v", cfg.Capture.Video)
	}
	if cfg.Capture.Audio.SampleRate != 48000 || cfg.Capture.Audio.Channels != 2 {
		t.Errorf("Unexpected audio defaults: %+v", cfg.Capture.Audio)
	}
	if cfg.HTTP.Port != "8080" {
		t.Errorf("Expected port 8080 default, got %s", cfg.HTTP.Port)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.ShutdownTimeoutS != 5 {
		t.Errorf("Expected 5s shutdown default, got %d", cfg.ShutdownTimeoutS)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
instance_id: studio-1
output:
  base_dir: /tmp/recordings
  dir_prefix: rec
  segment_seconds: 120
capture:
  backend: gst
  video:
    width: 1920
    height: 1080
    fps: 60
mqtt:
  broker: broker.local:1883
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.Backend != "gst" {
		t.Errorf("Expected gst backend, got %s", cfg.Capture.Backend)
	}
	if cfg.Output.SegmentSeconds != 120 {
		t.Errorf("Expected 120s segments, got %d", cfg.Output.SegmentSeconds)
	}

	// MQTT topics are derived from the instance id when not set.
	if cfg.MQTT.Topics.Control != "multirec/control/studio-1" {
		t.Errorf("Unexpected control topic %s", cfg.MQTT.Topics.Control)
	}
	if cfg.MQTT.Topics.Status != "multirec/status/studio-1" {
		t.Errorf("Unexpected status topic %s", cfg.MQTT.Topics.Status)
	}
	if cfg.MQTT.QoS["control"] != 1 || cfg.MQTT.QoS["health"] != 0 {
		t.Errorf("Unexpected QoS defaults: %v", cfg.MQTT.QoS)
	}
}

func TestMQTTOptional(t *testing.T) {
	path := writeConfig(t, "instance_id: desk-a\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MQTT.Broker != "" || cfg.MQTT.Topics.Control != "" {
		t.Errorf("Expected no MQTT config without broker, got %+v", cfg.MQTT)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing instance", "output: {base_dir: /tmp}\n", "instance_id"},
		{"bad instance chars", "instance_id: Desk_A\n", "instance_id"},
		{"bad backend", "instance_id: a\ncapture: {backend: ffmpeg}\n", "backend"},
		{"fps too high", "instance_id: a\ncapture: {video: {fps: 120}}\n", "fps"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.yaml))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", c.wantErr, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MULTIREC_INSTANCE_ID", "env-host")
	t.Setenv("MULTIREC_OUTPUT_DIR", "/mnt/rec")
	t.Setenv("MULTIREC_SEGMENT_SECONDS", "30")

	cfg, err := Load(writeConfig(t, "instance_id: yaml-host\noutput: {base_dir: /tmp}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.InstanceID != "env-host" {
		t.Errorf("Expected env instance id to win, got %s", cfg.InstanceID)
	}
	if cfg.Output.BaseDir != "/mnt/rec" {
		t.Errorf("Expected env output dir to win, got %s", cfg.Output.BaseDir)
	}
	if cfg.Output.SegmentSeconds != 30 {
		t.Errorf("Expected env segment seconds to win, got %d", cfg.Output.SegmentSeconds)
	}
}

func TestEnvOverrideBadInt(t *testing.T) {
	t.Setenv("MULTIREC_SEGMENT_SECONDS", "soon")

	cfg, err := Load(writeConfig(t, "instance_id: a\noutput: {base_dir: /tmp, segment_seconds: 90}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Output.SegmentSeconds != 90 {
		t.Errorf("Expected malformed env int to be ignored, got %d", cfg.Output.SegmentSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}
