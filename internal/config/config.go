// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on this rather than the concrete struct so tests can swap it.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Protocol() ProtocolConfig

	SetBrowserHeadless(bool)
	SetBrowserRestartAfter(int)
	SetBrowserMaxTimeout(time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	ProtocolCfg ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Protocol() ProtocolConfig { return c.ProtocolCfg }

func (c *Config) SetBrowserHeadless(b bool)            { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRestartAfter(n int)         { c.BrowserCfg.RestartAfter = n }
func (c *Config) SetBrowserMaxTimeout(d time.Duration) { c.BrowserCfg.MaxTimeout = d }

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

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds the launch and page settings of a browser instance.
type BrowserConfig struct {
	ExecutablePath string         `mapstructure:"executable_path" yaml:"executable_path"`
	Headless       bool           `mapstructure:"headless" yaml:"headless"`
	WindowSize     []int          `mapstructure:"window_size" yaml:"window_size"`
	UserAgent      string         `mapstructure:"user_agent" yaml:"user_agent"`
	ProxyServer    string         `mapstructure:"proxy_server" yaml:"proxy_server"`
	ExtensionFile  string         `mapstructure:"extension_file" yaml:"extension_file"`
	URLBlocklist   []string       `mapstructure:"url_blocklist" yaml:"url_blocklist"`
	DisableImages  bool           `mapstructure:"disable_images" yaml:"disable_images"`
	RestartAfter   int            `mapstructure:"restart_after" yaml:"restart_after"`
	MaxTimeout     time.Duration  `mapstructure:"max_timeout" yaml:"max_timeout"`
	DebuggingPort  int            `mapstructure:"debugging_port" yaml:"debugging_port"`
	DataDir        string         `mapstructure:"data_dir" yaml:"data_dir"`
	Args           []string       `mapstructure:"args" yaml:"args"`
	Cookies        []CookieConfig `mapstructure:"cookies" yaml:"cookies"`
}

// CookieConfig is a cookie seeded into every new browser instance.
type CookieConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Value    string `mapstructure:"value" yaml:"value"`
	Domain   string `mapstructure:"domain" yaml:"domain"`
	Path     string `mapstructure:"path" yaml:"path"`
	URL      string `mapstructure:"url" yaml:"url"`
	Secure   bool   `mapstructure:"secure" yaml:"secure"`
	HTTPOnly bool   `mapstructure:"http_only" yaml:"http_only"`
}

// ProtocolConfig tunes the debugging-protocol connection and polling timings.
type ProtocolConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ConnectInterval time.Duration `mapstructure:"connect_interval" yaml:"connect_interval"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	CloseGrace      time.Duration `mapstructure:"close_grace" yaml:"close_grace"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "rubium")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_images", false)
	v.SetDefault("browser.restart_after", 0)
	v.SetDefault("browser.max_timeout", "60s")
	v.SetDefault("browser.debugging_port", 0)

	// -- Protocol --
	v.SetDefault("protocol.connect_timeout", "6s")
	v.SetDefault("protocol.connect_interval", "200ms")
	v.SetDefault("protocol.poll_interval", "200ms")
	v.SetDefault("protocol.close_grace", "3s")
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

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.ProtocolCfg.Validate(); err != nil {
		return fmt.Errorf("protocol configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the browser settings.
func (b *BrowserConfig) Validate() error {
	if b.RestartAfter < 0 {
		return fmt.Errorf("restart_after must not be negative")
	}
	if b.MaxTimeout < 0 {
		return fmt.Errorf("max_timeout must not be negative")
	}
	if b.DebuggingPort < 0 || b.DebuggingPort > 65535 {
		return fmt.Errorf("debugging_port %d is out of range", b.DebuggingPort)
	}
	if len(b.WindowSize) != 0 {
		if len(b.WindowSize) != 2 || b.WindowSize[0] <= 0 || b.WindowSize[1] <= 0 {
			return fmt.Errorf("window_size must be two positive integers, got %v", b.WindowSize)
		}
	}
	for i, c := range b.Cookies {
		if c.Name == "" {
			return fmt.Errorf("cookies[%d]: name is required", i)
		}
		if c.Domain == "" && c.URL == "" {
			return fmt.Errorf("cookies[%d]: one of domain or url is required", i)
		}
	}
	return nil
}

// Validate checks the protocol timings.
func (p *ProtocolConfig) Validate() error {
	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be a positive duration")
	}
	if p.ConnectInterval <= 0 {
		return fmt.Errorf("connect_interval must be a positive duration")
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if p.CloseGrace < 0 {
		return fmt.Errorf("close_grace must not be negative")
	}
	return nil
}
