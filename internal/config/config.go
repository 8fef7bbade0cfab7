package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings
const (
	EnvAnalysisEndpoint = "THERAPY_ANALYSIS_ENDPOINT"
	EnvAnalysisAPIKey   = "THERAPY_ANALYSIS_API_KEY"
	EnvDBPath           = "THERAPY_DB_PATH"
	EnvHTTPPort         = "THERAPY_HTTP_PORT"
	EnvLogLevel         = "THERAPY_LOG_LEVEL"
)

// Config represents the complete service configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Storage  StorageConfig  `yaml:"storage"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port           int      `yaml:"port"`
	Address        string   `yaml:"address"`
	ReadTimeout    int      `yaml:"read_timeout"`  // seconds
	WriteTimeout   int      `yaml:"write_timeout"` // seconds
	MaxUploadMB    int      `yaml:"max_upload_mb"`
	AllowedOrigins []string `yaml:"allowed_origins"` // empty allows any origin
}

// AudioConfig contains audio processing parameters
type AudioConfig struct {
	TargetRate    int     `yaml:"target_rate"`
	Method        string  `yaml:"method"`
	MaxDuration   float64 `yaml:"max_duration"` // seconds
	RequireSpeech bool    `yaml:"require_speech"`
	TrimSilence   bool    `yaml:"trim_silence"`
	TrimPadding   float64 `yaml:"trim_padding"` // seconds
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Threshold float32 `yaml:"threshold"`
	WindowMs  int     `yaml:"window_ms"`
	Smoothing float32 `yaml:"smoothing"`
}

// AnalysisConfig contains speech analysis backend configuration.
// An empty endpoint disables analysis.
type AnalysisConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Timeout        int    `yaml:"timeout"` // seconds
	MaxRetries     int    `yaml:"max_retries"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// SessionConfig contains streamed capture session configuration
type SessionConfig struct {
	Timeout         int `yaml:"timeout"`          // seconds of inactivity
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
	MaxSessions     int `yaml:"max_sessions"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for anything a file leaves out
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:         8080,
			Address:      "0.0.0.0",
			ReadTimeout:  30,
			WriteTimeout: 120,
			MaxUploadMB:  25,
		},
		Audio: AudioConfig{
			TargetRate:  16000,
			Method:      "average",
			MaxDuration: 300,
			TrimPadding: 0.2,
		},
		VAD: VADConfig{
			Threshold: 0.5,
			WindowMs:  30,
			Smoothing: 0.5,
		},
		Analysis: AnalysisConfig{
			Timeout:        30,
			MaxRetries:     3,
			MaxConcurrent:  10,
			RetryBackoffMs: 500,
		},
		Storage: StorageConfig{
			DBPath: "therapy.db",
		},
		Session: SessionConfig{
			Timeout:         60,
			CleanupInterval: 30,
			MaxSessions:     1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides settings from the environment. lookup is normally
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAnalysisEndpoint); ok {
		c.Analysis.Endpoint = v
	}
	if v, ok := lookup(EnvAnalysisAPIKey); ok {
		c.Analysis.APIKey = v
	}
	if v, ok := lookup(EnvDBPath); ok {
		c.Storage.DBPath = v
	}
	if v, ok := lookup(EnvHTTPPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvHTTPPort, v, err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	if h.ReadTimeout < 1 || h.WriteTimeout < 1 {
		return fmt.Errorf("read_timeout and write_timeout must be at least 1 second")
	}

	if h.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", h.MaxUploadMB)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.TargetRate < 8000 || a.TargetRate > 48000 {
		return fmt.Errorf("target_rate must be between 8000 and 48000 Hz, got %d", a.TargetRate)
	}

	validMethods := map[string]bool{"average": true, "soxr": true}
	if !validMethods[a.Method] {
		return fmt.Errorf("method must be 'average' or 'soxr', got '%s'", a.Method)
	}

	if a.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive, got %f", a.MaxDuration)
	}

	if a.TrimPadding < 0 {
		return fmt.Errorf("trim_padding cannot be negative, got %f", a.TrimPadding)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.WindowMs < 10 || v.WindowMs > 500 {
		return fmt.Errorf("window_ms must be between 10 and 500, got %d", v.WindowMs)
	}

	if v.Smoothing <= 0 || v.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", v.Smoothing)
	}

	return nil
}

// Validate validates analysis configuration
func (a *AnalysisConfig) Validate() error {
	if !a.Enabled() {
		return nil
	}

	if a.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", a.Timeout)
	}

	if a.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", a.MaxRetries)
	}

	if a.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", a.MaxConcurrent)
	}

	if a.RetryBackoffMs < 0 {
		return fmt.Errorf("retry_backoff_ms cannot be negative, got %d", a.RetryBackoffMs)
	}

	return nil
}

// Enabled reports whether an analysis backend is configured
func (a *AnalysisConfig) Enabled() bool {
	return a.Endpoint != ""
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	return nil
}

// Validate validates logging configuration. Output is stdout, stderr or a
// file path.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetReadTimeout returns the read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeout() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeout() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetMaxUploadBytes returns the upload limit in bytes
func (h *HTTPConfig) GetMaxUploadBytes() int64 {
	return int64(h.MaxUploadMB) << 20
}

// GetMaxDuration returns the maximum recording duration as a time.Duration
func (a *AudioConfig) GetMaxDuration() time.Duration {
	return time.Duration(a.MaxDuration * float64(time.Second))
}

// GetTrimPadding returns the trim padding as a time.Duration
func (a *AudioConfig) GetTrimPadding() time.Duration {
	return time.Duration(a.TrimPadding * float64(time.Second))
}

// GetWindow returns the VAD window as a time.Duration
func (v *VADConfig) GetWindow() time.Duration {
	return time.Duration(v.WindowMs) * time.Millisecond
}

// GetTimeoutDuration returns the analysis timeout as a time.Duration
func (a *AnalysisConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// GetRetryBackoff returns the first retry delay as a time.Duration
func (a *AnalysisConfig) GetRetryBackoff() time.Duration {
	return time.Duration(a.RetryBackoffMs) * time.Millisecond
}

// GetTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetCleanupInterval returns the cleanup interval as a time.Duration
func (s *SessionConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}
