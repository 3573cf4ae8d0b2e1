// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/navchain/pkg/driver"
)

// EnvPrefix namespaces environment overrides, e.g. NAVCHAIN_ENGINE_BACKEND.
const EnvPrefix = "NAVCHAIN"

// Backends accepted by engine.backend.
const (
	BackendCDP    = "cdp"
	BackendRod    = "rod"
	BackendBridge = "bridge"
	BackendStatic = "static"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Session() SessionConfig
	Engine() EngineConfig

	SetEngineBackend(string)
	SetEngineHeadless(bool)
	SetSessionTimeout(time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	SessionCfg SessionConfig `mapstructure:"session" yaml:"session"`
	EngineCfg  EngineConfig  `mapstructure:"engine" yaml:"engine"`
}

var _ Interface = (*Config)(nil)

// --- Getters ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Session() SessionConfig { return c.SessionCfg }
func (c *Config) Engine() EngineConfig   { return c.EngineCfg }

// --- Setters ---

func (c *Config) SetEngineBackend(b string)         { c.EngineCfg.Backend = b }
func (c *Config) SetEngineHeadless(b bool)          { c.EngineCfg.Headless = b }
func (c *Config) SetSessionTimeout(d time.Duration) { c.SessionCfg.Timeout = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SessionConfig holds the defaults applied to every chain session.
type SessionConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	// Inject lists scripts evaluated after every navigation.
	Inject []string `mapstructure:"inject" yaml:"inject"`
}

// InjectPaths returns Inject with ~ expanded.
func (s SessionConfig) InjectPaths() ([]string, error) {
	out := make([]string, 0, len(s.Inject))
	for _, p := range s.Inject {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return nil, fmt.Errorf("expanding inject path %q: %w", p, err)
		}
		out = append(out, expanded)
	}
	return out, nil
}

// EngineConfig selects and configures the browser backend.
type EngineConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	Binary          string        `mapstructure:"binary" yaml:"binary"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	LoadImages      bool          `mapstructure:"load_images" yaml:"load_images"`
	IgnoreSSLErrors bool          `mapstructure:"ignore_ssl_errors" yaml:"ignore_ssl_errors"`
	WebSecurity     bool          `mapstructure:"web_security" yaml:"web_security"`
	Proxy           string        `mapstructure:"proxy" yaml:"proxy"`
	ProxyType       string        `mapstructure:"proxy_type" yaml:"proxy_type"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	UserDataDir     string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	MaxPages        int           `mapstructure:"max_pages" yaml:"max_pages"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	Bridge          BridgeConfig  `mapstructure:"bridge" yaml:"bridge"`
}

// BridgeConfig names the child process of the bridge backend.
type BridgeConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	Env     []string `mapstructure:"env" yaml:"env"`
}

// LaunchOptions maps the engine settings onto the backend launch options.
// Paths may start with ~.
func (e EngineConfig) LaunchOptions() (driver.LaunchOptions, error) {
	bin, err := homedir.Expand(e.Binary)
	if err != nil {
		return driver.LaunchOptions{}, fmt.Errorf("expanding engine.binary: %w", err)
	}
	dataDir, err := homedir.Expand(e.UserDataDir)
	if err != nil {
		return driver.LaunchOptions{}, fmt.Errorf("expanding engine.user_data_dir: %w", err)
	}
	return driver.LaunchOptions{
		Bin:              bin,
		Headless:         e.Headless,
		LoadImages:       e.LoadImages,
		IgnoreCertErrors: e.IgnoreSSLErrors,
		WebSecurity:      e.WebSecurity,
		Proxy:            e.Proxy,
		ProxyType:        e.ProxyType,
		UserAgent:        e.UserAgent,
		UserDataDir:      dataDir,
		StartTimeout:     e.StartupTimeout,
		MaxPages:         e.MaxPages,
		Args:             append([]string(nil), e.Args...),
	}, nil
}

// NewDefaultConfig returns the configuration built from defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "navchain")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Session --
	v.SetDefault("session.timeout", "5s")
	v.SetDefault("session.interval", "50ms")
	v.SetDefault("session.prefix", "")
	v.SetDefault("session.inject", []string{})

	// -- Engine --
	v.SetDefault("engine.backend", BackendCDP)
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.load_images", true)
	v.SetDefault("engine.ignore_ssl_errors", false)
	v.SetDefault("engine.web_security", true)
	v.SetDefault("engine.binary", "")
	v.SetDefault("engine.proxy", "")
	v.SetDefault("engine.proxy_type", "http")
	v.SetDefault("engine.user_agent", "")
	v.SetDefault("engine.user_data_dir", "")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.startup_timeout", "30s")
	v.SetDefault("engine.max_pages", 0)
	v.SetDefault("engine.bridge.command", "")
	v.SetDefault("engine.bridge.args", []string{})
	v.SetDefault("engine.bridge.env", []string{})
}

// BindEnv makes every key overridable from the environment, e.g.
// engine.bridge.command from NAVCHAIN_ENGINE_BRIDGE_COMMAND. Only keys with
// a default are seen by Unmarshal.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.SessionCfg.Validate(); err != nil {
		return err
	}
	return c.EngineCfg.Validate()
}

// Validate checks the session timings.
func (s *SessionConfig) Validate() error {
	if s.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be a positive duration")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("session.interval must be a positive duration")
	}
	if s.Interval > s.Timeout {
		return fmt.Errorf("session.interval must not exceed session.timeout")
	}
	return nil
}

// Validate checks the engine selection and the settings it depends on.
func (e *EngineConfig) Validate() error {
	switch strings.ToLower(e.Backend) {
	case BackendCDP, BackendRod, BackendStatic:
	case BackendBridge:
		if e.Bridge.Command == "" {
			return fmt.Errorf("engine.bridge.command is required for the bridge backend")
		}
	default:
		return fmt.Errorf("engine.backend must be one of cdp, rod, bridge or static, got %q", e.Backend)
	}
	switch strings.ToLower(e.ProxyType) {
	case "", "http", "https", "socks4", "socks5":
	default:
		return fmt.Errorf("engine.proxy_type %q is not supported", e.ProxyType)
	}
	if e.StartupTimeout < 0 {
		return fmt.Errorf("engine.startup_timeout must not be negative")
	}
	if e.MaxPages < 0 {
		return fmt.Errorf("engine.max_pages must not be negative")
	}
	return nil
}
