package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Output           OutputConfig  `yaml:"output"`
	Session          SessionConfig `yaml:"session"`
	Capture          CaptureConfig `yaml:"capture"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	HTTP             HTTPConfig    `yaml:"http"`
	Log              LogConfig     `yaml:"log"`
}

// OutputConfig controls where segments and manifests land on disk
type OutputConfig struct {
	BaseDir        string `yaml:"base_dir"`        // default: ~/Videos
	DirPrefix      string `yaml:"dir_prefix"`      // session directory prefix
	SegmentSeconds int    `yaml:"segment_seconds"` // timed segment rollover length
}

// SessionConfig contains session state machine timing
type SessionConfig struct {
	StartTimeoutS int `yaml:"start_timeout_s"` // bound for the atomic start phase
	StopGraceS    int `yaml:"stop_grace_s"`    // per-pipeline shutdown ack grace
}

// CaptureConfig contains capture backend settings
type CaptureConfig struct {
	Backend string             `yaml:"backend"` // "synthetic" or "gst"
	Video   VideoCaptureConfig `yaml:"video"`
	Audio   AudioCaptureConfig `yaml:"audio"`
}

// VideoCaptureConfig defaults for video-kind sources
type VideoCaptureConfig struct {
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	FPS           float64 `yaml:"fps"`
	DropTolerance int     `yaml:"drop_tolerance"` // max queued frames before DropOldest kicks in
}

// AudioCaptureConfig defaults for audio-kind sources
type AudioCaptureConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// MQTTConfig contains MQTT broker settings for the command/status surface
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
	Health  string `yaml:"health"`
}

// HTTPConfig contains the health/metrics server settings
type HTTPConfig struct {
	Port string `yaml:"port"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Load reads and parses a YAML configuration file, overlays environment
// variables, and validates the result. A .env file in the working directory
// is loaded first if present so deployments can override without editing
// the YAML.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets the environment win over the YAML file for the
// settings operators most often need to change per host.
func applyEnvOverrides(cfg *Config) {
	cfg.InstanceID = getEnv("MULTIREC_INSTANCE_ID", cfg.InstanceID)
	cfg.Output.BaseDir = getEnv("MULTIREC_OUTPUT_DIR", cfg.Output.BaseDir)
	cfg.MQTT.Broker = getEnv("MULTIREC_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.HTTP.Port = getEnv("MULTIREC_HTTP_PORT", cfg.HTTP.Port)
	cfg.Log.Level = getEnv("MULTIREC_LOG_LEVEL", cfg.Log.Level)
	cfg.Output.SegmentSeconds = getEnvInt("MULTIREC_SEGMENT_SECONDS", cfg.Output.SegmentSeconds)
}

// getEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// getEnvInt returns the integer value of the environment variable named by
// key, or fallback if the variable is unset, empty, or not a valid integer.
func getEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}
