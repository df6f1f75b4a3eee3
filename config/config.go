// Package config provides configuration management for the site login automation tool.
// It supports YAML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration settings for the automation tool
type Config struct {
	// Browser configuration
	Browser BrowserConfig `yaml:"browser"`

	// Stealth settings for human-like input
	Stealth StealthConfig `yaml:"stealth"`

	// Login completion detection defaults
	Detector DetectorConfig `yaml:"detector"`

	// Diagnostics captured on failed attempts
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// Attempt retry policy
	Run RunConfig `yaml:"run"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// Site login profiles keyed by name
	Sites map[string]*SiteProfile `yaml:"sites"`
}

// BrowserConfig holds browser automation settings
type BrowserConfig struct {
	Engine         string `yaml:"engine"`
	Headless       bool   `yaml:"headless"`
	NoSandbox      bool   `yaml:"no_sandbox"`
	UserDataDir    string `yaml:"user_data_dir"`
	UserAgent      string `yaml:"user_agent"`
	SlowMotion     int    `yaml:"slow_motion_ms"`
	Timeout        int    `yaml:"timeout_seconds"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

// StealthConfig holds human-like input settings
type StealthConfig struct {
	Humanize bool `yaml:"humanize"`

	// Mouse movement settings
	MouseSpeedMin     float64 `yaml:"mouse_speed_min"`
	MouseSpeedMax     float64 `yaml:"mouse_speed_max"`
	MouseOvershoot    bool    `yaml:"mouse_overshoot"`
	MouseMicroCorrect bool    `yaml:"mouse_micro_corrections"`

	// Typing settings
	TypingDelayMin    int     `yaml:"typing_delay_min_ms"`
	TypingDelayMax    int     `yaml:"typing_delay_max_ms"`
	TypingMistakeRate float64 `yaml:"typing_mistake_rate"`

	// Timing settings
	ActionDelayMin int `yaml:"action_delay_min_ms"`
	ActionDelayMax int `yaml:"action_delay_max_ms"`

	// Fingerprint masking
	RandomizeViewport bool `yaml:"randomize_viewport"`
	DisableWebdriver  bool `yaml:"disable_webdriver"`
	RandomUserAgent   bool `yaml:"random_user_agent"`
}

// DetectorConfig holds the defaults used when a site profile does not override them
type DetectorConfig struct {
	DeadlineSeconds int `yaml:"deadline_seconds"`
	PollIntervalMs  int `yaml:"poll_interval_ms"`
	CheckTimeoutMs  int `yaml:"check_timeout_ms"`
	ErrorBudget     int `yaml:"error_budget"`
}

// DiagnosticsConfig holds settings for artifacts captured on non-success outcomes
type DiagnosticsConfig struct {
	Dir              string `yaml:"dir"`
	ExcerptChars     int    `yaml:"excerpt_chars"`
	SaveContent      bool   `yaml:"save_content"`
	CaptureOnSuccess bool   `yaml:"capture_on_success"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// RunConfig controls whole-attempt retries performed by the caller
type RunConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// StorageConfig holds data persistence settings
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Engine:         EngineRod,
			Headless:       true,
			NoSandbox:      false,
			UserDataDir:    "",
			SlowMotion:     0,
			Timeout:        60,
			ViewportWidth:  1280,
			ViewportHeight: 800,
		},
		Stealth: StealthConfig{
			Humanize:          false,
			MouseSpeedMin:     0.5,
			MouseSpeedMax:     2.0,
			MouseOvershoot:    true,
			MouseMicroCorrect: true,
			TypingDelayMin:    50,
			TypingDelayMax:    200,
			TypingMistakeRate: 0.02,
			ActionDelayMin:    300,
			ActionDelayMax:    1200,
			RandomizeViewport: false,
			DisableWebdriver:  true,
			RandomUserAgent:   false,
		},
		Detector: DetectorConfig{
			DeadlineSeconds: 30,
			PollIntervalMs:  250,
			CheckTimeoutMs:  1000,
			ErrorBudget:     3,
		},
		Diagnostics: DiagnosticsConfig{
			Dir:              "./diagnostics",
			ExcerptChars:     500,
			SaveContent:      true,
			CaptureOnSuccess: false,
			TimeoutSeconds:   10,
		},
		Run: RunConfig{
			MaxAttempts:       1,
			RetryDelaySeconds: 5,
		},
		Storage: StorageConfig{
			Enabled:      true,
			DatabasePath: "./data/login_attempts.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			OutputFile: "./logs/login.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Sites: BuiltinSites(),
	}
}

// LoadConfig loads configuration from a YAML file and applies environment variable overrides
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Try to load from file if it exists
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, use defaults
		} else {
			if err := config.merge(data); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	config.applyEnvOverrides(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// merge decodes YAML over the current values. Site entries are merged by name so
// a file can tweak one field of a built-in profile without restating it.
func (c *Config) merge(data []byte) error {
	builtins := c.Sites
	c.Sites = nil

	if err := yaml.Unmarshal(data, c); err != nil {
		c.Sites = builtins
		return err
	}

	overrides := c.Sites
	c.Sites = builtins
	if c.Sites == nil {
		c.Sites = make(map[string]*SiteProfile)
	}

	if len(overrides) == 0 {
		return nil
	}

	// Re-decode each override on top of a copy of the built-in so unset fields keep their defaults.
	var raw struct {
		Sites map[string]yaml.Node `yaml:"sites"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name, node := range raw.Sites {
		base, ok := c.Sites[name]
		if !ok {
			base = &SiteProfile{}
		} else {
			base = base.Clone()
		}
		if err := node.Decode(base); err != nil {
			return fmt.Errorf("site %q: %w", name, err)
		}
		c.Sites[name] = base
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	// Browser settings
	if headless := get("BROWSER_HEADLESS"); headless != "" {
		c.Browser.Headless = headless == "true" || headless == "1"
	}
	if engine := get("BROWSER_ENGINE"); engine != "" {
		c.Browser.Engine = engine
	}
	if userDataDir := get("BROWSER_USER_DATA_DIR"); userDataDir != "" {
		c.Browser.UserDataDir = userDataDir
	}

	// Detector
	if deadline := get("LOGIN_DEADLINE_SECONDS"); deadline != "" {
		if val, err := strconv.Atoi(deadline); err == nil {
			c.Detector.DeadlineSeconds = val
		}
	}

	// Logging
	if logLevel := get("LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat := get("LOG_FORMAT"); logFormat != "" {
		c.Logging.Format = logFormat
	}

	// Storage
	if dbPath := get("DATABASE_PATH"); dbPath != "" {
		c.Storage.DatabasePath = dbPath
	}

	// Diagnostics
	if dir := get("DIAGNOSTICS_DIR"); dir != "" {
		c.Diagnostics.Dir = dir
	}

	// ServiceNow instances are per-tenant
	if u := get("SERVICENOW_URL"); u != "" {
		if site, ok := c.Sites["servicenow"]; ok {
			site.LoginURL = u
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Browser.Engine {
	case EngineRod, EngineChromedp:
	default:
		return fmt.Errorf("%w: unknown browser engine %q (must be %s or %s)", ErrInvalidConfig, c.Browser.Engine, EngineRod, EngineChromedp)
	}
	if c.Browser.Timeout <= 0 {
		return fmt.Errorf("%w: browser timeout_seconds must be positive", ErrInvalidConfig)
	}

	// Validate detector defaults
	if c.Detector.DeadlineSeconds <= 0 {
		return fmt.Errorf("%w: detector deadline_seconds must be positive", ErrInvalidConfig)
	}
	if c.Detector.PollIntervalMs <= 0 || c.Detector.CheckTimeoutMs <= 0 {
		return fmt.Errorf("%w: detector poll_interval_ms and check_timeout_ms must be positive", ErrInvalidConfig)
	}
	if c.Detector.ErrorBudget < 0 {
		return fmt.Errorf("%w: detector error_budget must not be negative", ErrInvalidConfig)
	}

	if c.Run.MaxAttempts < 1 || c.Run.MaxAttempts > 10 {
		return fmt.Errorf("%w: run max_attempts must be between 1 and 10", ErrInvalidConfig)
	}

	if c.Stealth.TypingDelayMin > c.Stealth.TypingDelayMax || c.Stealth.ActionDelayMin > c.Stealth.ActionDelayMax {
		return fmt.Errorf("%w: stealth minimum delays must not exceed maximum delays", ErrInvalidConfig)
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug, info, warn, or error)", ErrInvalidConfig, c.Logging.Level)
	}

	for name, site := range c.Sites {
		if err := site.Validate(); err != nil {
			return fmt.Errorf("%w: site %q: %v", ErrInvalidConfig, name, err)
		}
	}

	return nil
}

// Site returns the named site profile with detector defaults filled in.
func (c *Config) Site(name string) (*SiteProfile, error) {
	site, ok := c.Sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSite, name)
	}

	resolved := site.Clone()
	resolved.Name = name
	if resolved.DeadlineSeconds == 0 {
		resolved.DeadlineSeconds = c.Detector.DeadlineSeconds
	}
	return resolved, nil
}

// GetTimeout returns the configured timeout as a time.Duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Browser.Timeout) * time.Second
}

// PollInterval returns the detector poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Detector.PollIntervalMs) * time.Millisecond
}

// CheckTimeout returns the per-check window used when polling a condition
func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.Detector.CheckTimeoutMs) * time.Millisecond
}

// RetryDelay returns the pause between whole login attempts
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Run.RetryDelaySeconds) * time.Second
}

// SaveConfig saves the current configuration to a YAML file
func (c *Config) SaveConfig(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
