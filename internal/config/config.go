package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when --config is not given, if it exists.
const DefaultPath = "lookout.yaml"

type Config struct {
	Detector DetectorConfig `yaml:"detector"`
	Matching MatchingConfig `yaml:"matching"`
	Camera   CameraConfig   `yaml:"camera"`
	Output   OutputConfig   `yaml:"output"`
	Control  ControlConfig  `yaml:"control"`
	Database DatabaseConfig `yaml:"database"`
	Events   EventsConfig   `yaml:"events"`
	Upload   UploadConfig   `yaml:"upload"`
}

type DetectorConfig struct {
	Python     string  `yaml:"python"`
	Script     string  `yaml:"script"`
	Model      string  `yaml:"model"`
	Confidence float64 `yaml:"confidence"`
	Timeout    string  `yaml:"timeout"` // worker read timeout, e.g. "30s"
}

type MatchingConfig struct {
	Ratio               float64 `yaml:"ratio"`
	Threshold           float64 `yaml:"threshold"`
	Matcher             string  `yaml:"matcher"` // bf | brute | hnsw
	EfSearch            int     `yaml:"ef_search"`
	AllowEmptyReference bool    `yaml:"allow_empty_reference"`
}

type CameraConfig struct {
	Device string  `yaml:"device"` // device index or video file
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	MaxFPS float64 `yaml:"max_fps"` // 0 = unlimited
}

type OutputConfig struct {
	ReferenceDir string `yaml:"reference_dir"`
	RecordingDir string `yaml:"recording_dir"`
}

type ControlConfig struct {
	Listen       string  `yaml:"listen"` // empty disables the HTTP API
	CaptureRate  float64 `yaml:"capture_rate"`
	CaptureBurst int     `yaml:"capture_burst"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty disables the journal
}

type EventsConfig struct {
	NATSURL string `yaml:"nats_url"` // empty disables publishing
	Subject string `yaml:"subject"`  // subject prefix
}

type UploadConfig struct {
	ClientSecrets string `yaml:"client_secrets"`
	TokenFile     string `yaml:"token_file"`
	Privacy       string `yaml:"privacy"`
	Category      string `yaml:"category"`
}

// Matchers accepted by MatchingConfig.Matcher.
const (
	MatcherBF    = "bf"
	MatcherBrute = "brute"
	MatcherHNSW  = "hnsw"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Python:     "python3",
			Script:     "python/detector.py",
			Model:      "yolo11n.pt",
			Confidence: 0.5,
			Timeout:    "30s",
		},
		Matching: MatchingConfig{
			Ratio:     0.75,
			Threshold: 0.1,
			Matcher:   MatcherBF,
			EfSearch:  64,
		},
		Camera: CameraConfig{
			Device: "0",
			Width:  640,
			Height: 480,
		},
		Output: OutputConfig{
			ReferenceDir: "captured_references",
			RecordingDir: "recordings",
		},
		Control: ControlConfig{
			CaptureRate:  1,
			CaptureBurst: 1,
		},
		Events: EventsConfig{
			Subject: "lookout",
		},
		Upload: UploadConfig{
			ClientSecrets: "client_secrets.json",
			TokenFile:     ".youtube-token.json",
			Privacy:       "private",
			Category:      "22",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path, then the
// environment. A missing file is an error unless path is DefaultPath.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		// optional
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Detector.Python = envString("LOOKOUT_PYTHON", c.Detector.Python)
	c.Detector.Script = envString("LOOKOUT_DETECTOR_SCRIPT", c.Detector.Script)
	c.Detector.Model = envString("LOOKOUT_MODEL", c.Detector.Model)
	c.Detector.Confidence = envFloat("LOOKOUT_CONFIDENCE", c.Detector.Confidence)
	c.Matching.Ratio = envFloat("LOOKOUT_RATIO", c.Matching.Ratio)
	c.Matching.Threshold = envFloat("LOOKOUT_THRESHOLD", c.Matching.Threshold)
	c.Matching.Matcher = envString("LOOKOUT_MATCHER", c.Matching.Matcher)
	c.Camera.Device = envString("LOOKOUT_CAMERA", c.Camera.Device)
	c.Output.ReferenceDir = envString("LOOKOUT_REFERENCE_DIR", c.Output.ReferenceDir)
	c.Output.RecordingDir = envString("LOOKOUT_RECORDING_DIR", c.Output.RecordingDir)
	c.Control.Listen = envString("LOOKOUT_LISTEN", c.Control.Listen)
	c.Events.NATSURL = envString("NATS_URL", c.Events.NATSURL)

	if c.Database.URL == "" {
		c.Database.URL = postgresURLFromEnv()
	}
}

// postgresURLFromEnv assembles a connection string from POSTGRES_* variables.
// Returns "" when POSTGRES_HOST is unset.
func postgresURLFromEnv() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		return fmt.Errorf("detector.confidence must be between 0.0 and 1.0")
	}
	if c.Matching.Ratio <= 0 || c.Matching.Ratio > 1 {
		return fmt.Errorf("matching.ratio must be in (0, 1]")
	}
	if c.Matching.Threshold < 0 || c.Matching.Threshold > 1 {
		return fmt.Errorf("matching.threshold must be between 0.0 and 1.0")
	}
	switch c.Matching.Matcher {
	case MatcherBF, MatcherBrute, MatcherHNSW:
	default:
		return fmt.Errorf("matching.matcher must be one of bf, brute, hnsw (got %q)", c.Matching.Matcher)
	}
	if _, err := c.WorkerTimeout(); err != nil {
		return err
	}
	if c.Control.CaptureRate <= 0 || c.Control.CaptureBurst < 1 {
		return fmt.Errorf("control.capture_rate must be > 0 and capture_burst >= 1")
	}
	return nil
}

// WorkerTimeout parses Detector.Timeout.
func (c *Config) WorkerTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Detector.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid detector.timeout: %w", err)
	}
	return d, nil
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envFloat returns the default if the variable is unset or not a number.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}
