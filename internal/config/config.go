// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	EventBus() EventBusConfig
	Session() SessionConfig
	DOM() DOMConfig
	Actions() ActionsConfig
	Downloads() DownloadsConfig
	StorageState() StorageStateConfig
	Permissions() PermissionsConfig
	Security() SecurityConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserCDPURL(string)

	// DOM Setters
	SetDOMInteractiveThreshold(int)

	// Storage Setters
	SetStorageStatePath(string)
}

// Config holds the entire application configuration. Fields are exported so
// viper can populate them; callers should go through Interface.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	EventBusCfg     EventBusConfig     `mapstructure:"eventbus" yaml:"eventbus"`
	SessionCfg      SessionConfig      `mapstructure:"session" yaml:"session"`
	DOMCfg          DOMConfig          `mapstructure:"dom" yaml:"dom"`
	ActionsCfg      ActionsConfig      `mapstructure:"actions" yaml:"actions"`
	DownloadsCfg    DownloadsConfig    `mapstructure:"downloads" yaml:"downloads"`
	StorageStateCfg StorageStateConfig `mapstructure:"storage_state" yaml:"storage_state"`
	PermissionsCfg  PermissionsConfig  `mapstructure:"permissions" yaml:"permissions"`
	SecurityCfg     SecurityConfig     `mapstructure:"security" yaml:"security"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }
func (c *Config) EventBus() EventBusConfig         { return c.EventBusCfg }
func (c *Config) Session() SessionConfig           { return c.SessionCfg }
func (c *Config) DOM() DOMConfig                   { return c.DOMCfg }
func (c *Config) Actions() ActionsConfig           { return c.ActionsCfg }
func (c *Config) Downloads() DownloadsConfig       { return c.DownloadsCfg }
func (c *Config) StorageState() StorageStateConfig { return c.StorageStateCfg }
func (c *Config) Permissions() PermissionsConfig   { return c.PermissionsCfg }
func (c *Config) Security() SecurityConfig         { return c.SecurityCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)     { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserCDPURL(u string)     { c.BrowserCfg.CDPURL = u }
func (c *Config) SetDOMInteractiveThreshold(n int) {
	c.DOMCfg.InteractiveThreshold = n
}
func (c *Config) SetStorageStatePath(p string) { c.StorageStateCfg.Path = p }

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

// BrowserConfig controls how the browser is launched or connected to.
type BrowserConfig struct {
	// CDPURL connects to an already running browser instead of launching one.
	CDPURL         string        `mapstructure:"cdp_url" yaml:"cdp_url"`
	ExecutablePath string        `mapstructure:"executable_path" yaml:"executable_path"`
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	UserDataDir    string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ExtraArgs      []string      `mapstructure:"extra_args" yaml:"extra_args"`
	LaunchTimeout  time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	LaunchRetries  int           `mapstructure:"launch_retries" yaml:"launch_retries"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	KeepAlive      bool          `mapstructure:"keep_alive" yaml:"keep_alive"`
	// ForwardLogs tails chrome_debug.log from the profile directory into the logger.
	ForwardLogs bool `mapstructure:"forward_logs" yaml:"forward_logs"`
}

// EventBusConfig tunes the dispatcher.
type EventBusConfig struct {
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
	HistorySize    int           `mapstructure:"history_size" yaml:"history_size"`
}

// SessionConfig covers the session pool and its health monitoring.
type SessionConfig struct {
	HealthCheckDelay    time.Duration `mapstructure:"health_check_delay" yaml:"health_check_delay"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout" yaml:"health_check_timeout"`
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	NetworkTimeout      time.Duration `mapstructure:"network_timeout" yaml:"network_timeout"`
}

// DOMConfig holds the tunables of the extraction pipeline.
type DOMConfig struct {
	// InteractiveThreshold is the minimum score for a node to receive an index.
	InteractiveThreshold int `mapstructure:"interactive_threshold" yaml:"interactive_threshold"`
	// ViewportTolerance extends the viewport window (CSS px) used by the early filter.
	ViewportTolerance    float64  `mapstructure:"viewport_tolerance" yaml:"viewport_tolerance"`
	ContainmentThreshold float64  `mapstructure:"containment_threshold" yaml:"containment_threshold"`
	PaintOrderFiltering  bool     `mapstructure:"paint_order_filtering" yaml:"paint_order_filtering"`
	IncludeAttributes    []string `mapstructure:"include_attributes" yaml:"include_attributes"`
}

// ActionsConfig holds the gesture timings of the default action executor.
type ActionsConfig struct {
	TypeDelay     time.Duration `mapstructure:"type_delay" yaml:"type_delay"`
	PageTypeDelay time.Duration `mapstructure:"page_type_delay" yaml:"page_type_delay"`
	ClickPress    time.Duration `mapstructure:"click_press" yaml:"click_press"`
	ClickRelease  time.Duration `mapstructure:"click_release" yaml:"click_release"`
	// ClickSettle is waited after clicks and history navigation.
	ClickSettle  time.Duration `mapstructure:"click_settle" yaml:"click_settle"`
	ReloadSettle time.Duration `mapstructure:"reload_settle" yaml:"reload_settle"`
	MaxWait      time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
}

// DownloadsConfig controls where downloads land.
type DownloadsConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	AutoPDF bool   `mapstructure:"auto_pdf" yaml:"auto_pdf"`
}

// StorageStateConfig controls cookie and web storage persistence.
type StorageStateConfig struct {
	Path             string        `mapstructure:"path" yaml:"path"`
	AutoSaveInterval time.Duration `mapstructure:"auto_save_interval" yaml:"auto_save_interval"`
}

// PermissionsConfig lists browser permissions granted on connect.
type PermissionsConfig struct {
	Grant []string `mapstructure:"grant" yaml:"grant"`
}

// SecurityConfig restricts where the browser may navigate.
type SecurityConfig struct {
	// AllowedDomains lists hosts ("example.com"), host globs ("*.example.com"),
	// URL prefixes ("https://example.com/app") and scheme wildcards
	// ("chrome://*"). Empty allows everything.
	AllowedDomains []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`
}

// Validate checks that every allowed domain pattern compiles.
func (s *SecurityConfig) Validate() error {
	for _, p := range s.AllowedDomains {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("allowed_domains must not contain empty patterns")
		}
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("invalid allowed_domains pattern %q: %w", p, err)
		}
	}
	return nil
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// DefaultIncludeAttributes is the attribute allow-list rendered by the serializer.
var DefaultIncludeAttributes = []string{
	"title", "type", "checked", "name", "role", "value", "placeholder",
	"data-date-format", "alt", "aria-label", "aria-expanded", "data-state", "aria-checked",
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "tabpilot")
	v.SetDefault("logger.log_file", "tabpilot.log")
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

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.launch_retries", 3)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.keep_alive", false)
	v.SetDefault("browser.forward_logs", false)

	// -- Event Bus --
	v.SetDefault("eventbus.handler_timeout", "30s")
	v.SetDefault("eventbus.history_size", 100)

	// -- Session --
	v.SetDefault("session.health_check_delay", "10s")
	v.SetDefault("session.health_check_interval", "5s")
	v.SetDefault("session.health_check_timeout", "1s")
	v.SetDefault("session.recovery_timeout", "5s")
	v.SetDefault("session.network_timeout", "10s")

	// -- DOM --
	v.SetDefault("dom.interactive_threshold", 50)
	v.SetDefault("dom.viewport_tolerance", 1000.0)
	v.SetDefault("dom.containment_threshold", 0.99)
	v.SetDefault("dom.paint_order_filtering", true)
	v.SetDefault("dom.include_attributes", DefaultIncludeAttributes)

	// -- Actions --
	v.SetDefault("actions.type_delay", "10ms")
	v.SetDefault("actions.page_type_delay", "18ms")
	v.SetDefault("actions.click_press", "123ms")
	v.SetDefault("actions.click_release", "145ms")
	v.SetDefault("actions.click_settle", "500ms")
	v.SetDefault("actions.reload_settle", "1s")
	v.SetDefault("actions.max_wait", "10s")

	// -- Downloads --
	v.SetDefault("downloads.dir", "~/Downloads/tabpilot")
	v.SetDefault("downloads.auto_pdf", true)

	// -- Storage State --
	v.SetDefault("storage_state.path", "")
	v.SetDefault("storage_state.auto_save_interval", "30s")

	// -- Permissions --
	v.SetDefault("permissions.grant", []string{"clipboardReadWrite", "notifications"})

	// -- Security --
	v.SetDefault("security.allowed_domains", []string{})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("browser.cdp_url", "TABPILOT_CDP_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("error expanding paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading "~" in every filesystem path.
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.DownloadsCfg.Dir,
		&c.StorageStateCfg.Path,
		&c.BrowserCfg.UserDataDir,
		&c.BrowserCfg.ExecutablePath,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EventBusCfg.HandlerTimeout <= 0 {
		return fmt.Errorf("eventbus.handler_timeout must be a positive duration")
	}
	if c.EventBusCfg.HistorySize < 0 {
		return fmt.Errorf("eventbus.history_size must not be negative")
	}
	if err := c.SessionCfg.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if err := c.DOMCfg.Validate(); err != nil {
		return fmt.Errorf("dom configuration invalid: %w", err)
	}
	if err := c.SecurityCfg.Validate(); err != nil {
		return fmt.Errorf("security configuration invalid: %w", err)
	}
	if c.BrowserCfg.LaunchRetries <= 0 {
		return fmt.Errorf("browser.launch_retries must be a positive integer")
	}
	return nil
}

// Validate checks the session timings.
func (s *SessionConfig) Validate() error {
	if s.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be a positive duration")
	}
	if s.HealthCheckTimeout <= 0 || s.RecoveryTimeout <= 0 {
		return fmt.Errorf("health_check_timeout and recovery_timeout must be positive durations")
	}
	return nil
}

// Validate checks the DOM pipeline tunables.
func (d *DOMConfig) Validate() error {
	if d.InteractiveThreshold <= 0 {
		return fmt.Errorf("interactive_threshold must be a positive integer")
	}
	if d.ViewportTolerance < 0 {
		return fmt.Errorf("viewport_tolerance must not be negative")
	}
	if d.ContainmentThreshold <= 0 || d.ContainmentThreshold > 1 {
		return fmt.Errorf("containment_threshold must be in (0, 1]")
	}
	return nil
}
