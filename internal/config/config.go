// Package config loads the antares YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"antares/internal/pipeline"
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Inference InferenceConfig `yaml:"inference"`
	Display   DisplayConfig   `yaml:"display"`
	Capture   CaptureConfig   `yaml:"capture"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Sources   []SourceConfig  `yaml:"sources"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

type InferenceConfig struct {
	Backend     string        `yaml:"backend"` // http or grpc
	Endpoint    string        `yaml:"endpoint"`
	ModelPath   string        `yaml:"model_path"`
	InputSize   int           `yaml:"input_size"`
	Confidence  float64       `yaml:"confidence"`
	Timeout     time.Duration `yaml:"timeout"`
	Annotate    string        `yaml:"annotate"` // local or remote
	Shared      bool          `yaml:"shared"`
	JPEGQuality int           `yaml:"jpeg_quality"`
}

type DisplayConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type CaptureConfig struct {
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	FPS             int           `yaml:"fps"`
	OpenTimeout     time.Duration `yaml:"open_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	RestartAttempts int           `yaml:"restart_attempts"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
	MaxFrameBytes   int64         `yaml:"max_frame_bytes"`
}

type PipelineConfig struct {
	OpenRetries    int           `yaml:"open_retries"`
	OpenRetryDelay time.Duration `yaml:"open_retry_delay"`
	IdleBackoff    time.Duration `yaml:"idle_backoff"`
	GaugeInterval  time.Duration `yaml:"gauge_interval"`
}

// SourceConfig is one configured video source. Zero values inherit the
// display and inference defaults.
type SourceConfig struct {
	Name       string  `yaml:"name"`
	Locator    string  `yaml:"locator"`
	Width      int     `yaml:"width,omitempty"`
	Height     int     `yaml:"height,omitempty"`
	InputSize  int     `yaml:"input_size,omitempty"`
	Confidence float64 `yaml:"confidence,omitempty"`
}

type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"` // plaintext or bcrypt hash
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty disables the source catalog
}

type TelemetryConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	WSInterval     time.Duration `yaml:"ws_interval"`
}

// Default returns the configuration used for every field the file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Inference: InferenceConfig{
			Backend:     "http",
			Endpoint:    "http://localhost:8081",
			InputSize:   640,
			Confidence:  0.5,
			Timeout:     15 * time.Second,
			Annotate:    "local",
			Shared:      true,
			JPEGQuality: 90,
		},
		Display: DisplayConfig{
			Width:  960,
			Height: 540,
		},
		Capture: CaptureConfig{
			FFmpegPath:      "ffmpeg",
			FPS:             15,
			OpenTimeout:     15 * time.Second,
			ReadTimeout:     time.Second,
			RestartAttempts: 10,
			RestartDelay:    2 * time.Second,
			MaxFrameBytes:   16 << 20,
		},
		Pipeline: PipelineConfig{
			OpenRetries:    0,
			OpenRetryDelay: 5 * time.Second,
			IdleBackoff:    10 * time.Millisecond,
			GaugeInterval:  500 * time.Millisecond,
		},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			WSInterval:     time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = v == "true"
	}
	if v := os.Getenv("AUTH_USERNAME"); v != "" {
		c.Auth.Username = v
	}
	if v := os.Getenv("AUTH_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.JWTExpiry = d
		}
	}
	if v := os.Getenv("ANTARES_INFERENCE_ENDPOINT"); v != "" {
		c.Inference.Endpoint = v
	}
	if v := os.Getenv("ANTARES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	switch c.Inference.Backend {
	case "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("inference.backend must be http or grpc, got %q", c.Inference.Backend))
	}
	if c.Inference.Endpoint == "" {
		errs = append(errs, errors.New("inference.endpoint is required"))
	}
	switch c.Inference.Annotate {
	case "local", "remote":
	default:
		errs = append(errs, fmt.Errorf("inference.annotate must be local or remote, got %q", c.Inference.Annotate))
	}
	if c.Inference.Backend == "grpc" && c.Inference.Annotate == "remote" {
		errs = append(errs, errors.New("inference.annotate remote is only supported by the http backend"))
	}
	if c.Inference.Confidence < 0 || c.Inference.Confidence > 1 {
		errs = append(errs, fmt.Errorf("inference.confidence %.2f not in [0,1]", c.Inference.Confidence))
	}
	if c.Inference.InputSize <= 0 {
		errs = append(errs, errors.New("inference.input_size must be positive"))
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		errs = append(errs, errors.New("display width and height must be positive"))
	}
	if c.Capture.FPS <= 0 {
		errs = append(errs, errors.New("capture.fps must be positive"))
	}
	if c.Capture.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("capture.max_frame_bytes must be positive"))
	}
	if c.Pipeline.OpenRetries < 0 {
		errs = append(errs, errors.New("pipeline.open_retries must not be negative"))
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password is required when auth is enabled"))
	}
	for i, s := range c.Sources {
		if strings.TrimSpace(s.Locator) == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: locator is required", i))
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			errs = append(errs, fmt.Errorf("sources[%d]: confidence %.2f not in [0,1]", i, s.Confidence))
		}
	}
	return multierr.Combine(errs...)
}

// PipelineSources resolves the configured sources against the defaults, in
// file order. Unnamed sources are called "Camera N".
func (c *Config) PipelineSources(extra ...SourceConfig) []pipeline.SourceConfig {
	all := append(append([]SourceConfig(nil), c.Sources...), extra...)
	out := make([]pipeline.SourceConfig, len(all))
	for i, s := range all {
		p := pipeline.SourceConfig{
			ID:         i,
			Name:       s.Name,
			Locator:    strings.TrimSpace(s.Locator),
			Width:      s.Width,
			Height:     s.Height,
			InputSize:  s.InputSize,
			Confidence: s.Confidence,
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("Camera %d", i+1)
		}
		if p.Width <= 0 {
			p.Width = c.Display.Width
		}
		if p.Height <= 0 {
			p.Height = c.Display.Height
		}
		if p.InputSize <= 0 {
			p.InputSize = c.Inference.InputSize
		}
		if p.Confidence <= 0 {
			p.Confidence = c.Inference.Confidence
		}
		out[i] = p
	}
	return out
}
