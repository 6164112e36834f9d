// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Driver() DriverConfig
	Store() StoreConfig
	Control() ControlConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)

	// Store Setters
	SetStoreDriver(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	DriverCfg  DriverConfig  `mapstructure:"driver" yaml:"driver"`
	StoreCfg   StoreConfig   `mapstructure:"store" yaml:"store"`
	ControlCfg ControlConfig `mapstructure:"control" yaml:"control"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Driver() DriverConfig   { return c.DriverCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }
func (c *Config) Control() ControlConfig { return c.ControlCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)      { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(url string) { c.BrowserCfg.RemoteURL = url }
func (c *Config) SetStoreDriver(driver string)   { c.StoreCfg.Driver = driver }

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

// BrowserConfig controls how Chrome is launched or attached to.
type BrowserConfig struct {
	// ChromePath overrides the executable lookup done by chromedp.
	ChromePath string `mapstructure:"chrome_path" yaml:"chrome_path"`
	// RemoteURL attaches to an already running browser (ws://... or http://host:9222)
	// instead of launching one.
	RemoteURL      string        `mapstructure:"remote_url" yaml:"remote_url"`
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	UserDataDir    string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	TargetURL      string        `mapstructure:"target_url" yaml:"target_url"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	Args           []string      `mapstructure:"args" yaml:"args"`
}

// DriverConfig holds the retry, polling and reload policy of the automation driver,
// plus the per-step waits used by the page actions.
type DriverConfig struct {
	CompletionTimeout time.Duration `mapstructure:"completion_timeout" yaml:"completion_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RetryLimit        int           `mapstructure:"retry_limit" yaml:"retry_limit"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RestartDelay      time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
	ReloadBatch       int           `mapstructure:"reload_batch" yaml:"reload_batch"`
	StallGrace        time.Duration `mapstructure:"stall_grace" yaml:"stall_grace"`
	ReloadSettle      time.Duration `mapstructure:"reload_settle" yaml:"reload_settle"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	ReadySettle       time.Duration `mapstructure:"ready_settle" yaml:"ready_settle"`
	Language          string        `mapstructure:"language" yaml:"language"`
	Steps             StepConfig    `mapstructure:"steps" yaml:"steps"`
}

// StepConfig holds the waits and attempt budgets of the individual page actions.
type StepConfig struct {
	ElementTimeout       time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	AssetTimeout         time.Duration `mapstructure:"asset_timeout" yaml:"asset_timeout"`
	SliderDragTimeout    time.Duration `mapstructure:"slider_drag_timeout" yaml:"slider_drag_timeout"`
	ThumbnailTimeout     time.Duration `mapstructure:"thumbnail_timeout" yaml:"thumbnail_timeout"`
	UploadIconTimeout    time.Duration `mapstructure:"upload_icon_timeout" yaml:"upload_icon_timeout"`
	ThumbnailAttempts    int           `mapstructure:"thumbnail_attempts" yaml:"thumbnail_attempts"`
	UploadIconAttempts   int           `mapstructure:"upload_icon_attempts" yaml:"upload_icon_attempts"`
	CropSaveAttempts     int           `mapstructure:"crop_save_attempts" yaml:"crop_save_attempts"`
	NoticeDialogAttempts int           `mapstructure:"notice_dialog_attempts" yaml:"notice_dialog_attempts"`
	MenuFrameAttempts    int           `mapstructure:"menu_frame_attempts" yaml:"menu_frame_attempts"`
	ShortDelay           time.Duration `mapstructure:"short_delay" yaml:"short_delay"`
	MediumDelay          time.Duration `mapstructure:"medium_delay" yaml:"medium_delay"`
	NormalDelay          time.Duration `mapstructure:"normal_delay" yaml:"normal_delay"`
	LongDelay            time.Duration `mapstructure:"long_delay" yaml:"long_delay"`
	StabilizeDelay       time.Duration `mapstructure:"stabilize_delay" yaml:"stabilize_delay"`
}

// StoreConfig selects and configures the durable run-state backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// ControlConfig configures the command and event server.
type ControlConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ReadyCacheTTL  time.Duration `mapstructure:"ready_cache_ttl" yaml:"ready_cache_ttl"`
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

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scenepilot")
	v.SetDefault("logger.log_file", "scenepilot.log")
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
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "~/.scenepilot/chrome")
	v.SetDefault("browser.target_url", "https://labs.google/fx/tools/flow")
	v.SetDefault("browser.startup_timeout", "30s")

	// -- Driver --
	v.SetDefault("driver.completion_timeout", "3m")
	v.SetDefault("driver.poll_interval", "1s")
	v.SetDefault("driver.retry_limit", 5)
	v.SetDefault("driver.retry_delay", "2s")
	v.SetDefault("driver.restart_delay", "10s")
	v.SetDefault("driver.reload_batch", 4)
	v.SetDefault("driver.stall_grace", "10s")
	v.SetDefault("driver.reload_settle", "500ms")
	v.SetDefault("driver.ready_timeout", "30s")
	v.SetDefault("driver.ready_settle", "5s")
	v.SetDefault("driver.language", "auto")
	setStepDefaults(v)

	// -- Store --
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "~/.scenepilot/state.db")

	// -- Control --
	v.SetDefault("control.listen_addr", "127.0.0.1:8765")
	v.SetDefault("control.request_timeout", "60s")
	v.SetDefault("control.ready_cache_ttl", "1s")
}

func setStepDefaults(v *viper.Viper) {
	v.SetDefault("driver.steps.element_timeout", "10s")
	v.SetDefault("driver.steps.asset_timeout", "180s")
	v.SetDefault("driver.steps.slider_drag_timeout", "5s")
	v.SetDefault("driver.steps.thumbnail_timeout", "10s")
	v.SetDefault("driver.steps.upload_icon_timeout", "20s")
	v.SetDefault("driver.steps.thumbnail_attempts", 20)
	v.SetDefault("driver.steps.upload_icon_attempts", 40)
	v.SetDefault("driver.steps.crop_save_attempts", 50)
	v.SetDefault("driver.steps.notice_dialog_attempts", 20)
	v.SetDefault("driver.steps.menu_frame_attempts", 30)
	v.SetDefault("driver.steps.short_delay", "100ms")
	v.SetDefault("driver.steps.medium_delay", "300ms")
	v.SetDefault("driver.steps.normal_delay", "500ms")
	v.SetDefault("driver.steps.long_delay", "1s")
	v.SetDefault("driver.steps.stabilize_delay", "2s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The DSN usually carries credentials, so it is also read from a dedicated variable.
	v.BindEnv("store.dsn", "SCENEPILOT_STORE_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.StoreCfg.Path, err = homedir.Expand(c.StoreCfg.Path); err != nil {
		return fmt.Errorf("could not expand store.path: %w", err)
	}
	if c.BrowserCfg.UserDataDir, err = homedir.Expand(c.BrowserCfg.UserDataDir); err != nil {
		return fmt.Errorf("could not expand browser.user_data_dir: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.DriverCfg.Validate(); err != nil {
		return fmt.Errorf("driver configuration invalid: %w", err)
	}
	if err := c.StoreCfg.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if c.BrowserCfg.TargetURL == "" {
		return fmt.Errorf("browser.target_url is a required configuration field")
	}
	if c.ControlCfg.ListenAddr == "" {
		return fmt.Errorf("control.listen_addr is a required configuration field")
	}
	return nil
}

// Validate checks the driver policy values.
func (d *DriverConfig) Validate() error {
	if d.CompletionTimeout <= 0 {
		return fmt.Errorf("completion_timeout must be a positive duration")
	}
	if d.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if d.RetryLimit <= 0 {
		return fmt.Errorf("retry_limit must be a positive integer")
	}
	if d.RetryDelay < 0 || d.RestartDelay < 0 || d.ReloadSettle < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if d.ReloadBatch <= 0 {
		return fmt.Errorf("reload_batch must be a positive integer")
	}
	if d.StallGrace <= 0 {
		return fmt.Errorf("stall_grace must be a positive duration")
	}
	switch strings.ToLower(d.Language) {
	case "auto", "en", "ja":
	default:
		return fmt.Errorf("language must be one of auto, en, ja (got %q)", d.Language)
	}
	return nil
}

// Validate checks the store backend selection.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("path is required for the sqlite driver")
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("dsn is required for the postgres driver (set SCENEPILOT_STORE_DSN)")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown driver %q (want sqlite, postgres or memory)", s.Driver)
	}
	return nil
}
