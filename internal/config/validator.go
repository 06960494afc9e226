package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Output defaults
	if cfg.Output.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("output.base_dir not set and home directory unknown: %w", err)
		}
		cfg.Output.BaseDir = filepath.Join(home, "Videos")
	}
	if cfg.Output.DirPrefix == "" {
		cfg.Output.DirPrefix = "multirec"
	}
	if cfg.Output.SegmentSeconds <= 0 {
		cfg.Output.SegmentSeconds = 60
	}

	// Session timing defaults
	if cfg.Session.StartTimeoutS <= 0 {
		cfg.Session.StartTimeoutS = 10
	}
	if cfg.Session.StopGraceS <= 0 {
		cfg.Session.StopGraceS = 5
	}

	// Capture defaults
	switch cfg.Capture.Backend {
	case "":
		cfg.Capture.Backend = "synthetic"
	case "synthetic", "gst":
	default:
		return fmt.Errorf("capture.backend must be \"synthetic\" or \"gst\", got %q", cfg.Capture.Backend)
	}
	if cfg.Capture.Video.Width <= 0 {
		cfg.Capture.Video.Width = 1280
	}
	if cfg.Capture.Video.Height <= 0 {
		cfg.Capture.Video.Height = 720
	}
	if cfg.Capture.Video.FPS <= 0 {
		cfg.Capture.Video.FPS = 30
	}
	if cfg.Capture.Video.FPS > 60 {
		return fmt.Errorf("capture.video.fps must be <= 60, got %.1f", cfg.Capture.Video.FPS)
	}
	if cfg.Capture.Video.DropTolerance <= 0 {
		cfg.Capture.Video.DropTolerance = 8
	}
	if cfg.Capture.Audio.SampleRate <= 0 {
		cfg.Capture.Audio.SampleRate = 48000
	}
	if cfg.Capture.Audio.Channels <= 0 {
		cfg.Capture.Audio.Channels = 2
	}

	// MQTT is optional: with no broker the daemon runs HTTP-only and the
	// command surface is limited to in-process callers.
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("multirec/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Status == "" {
			cfg.MQTT.Topics.Status = fmt.Sprintf("multirec/status/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("multirec/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control": 1,
				"status":  1,
				"health":  0,
			}
		}
	}

	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = "8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	return nil
}
