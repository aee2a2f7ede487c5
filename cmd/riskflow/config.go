package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/riskflow/internal/actions"
	"github.com/rendis/riskflow/internal/store"
)

// Config holds all riskflow configuration.
// Priority: flags > env vars > config file > defaults.
type Config struct {
	DB           DBConfig                   `mapstructure:"db"`
	Log          LogConfig                  `mapstructure:"log"`
	Engine       EngineConfig               `mapstructure:"engine"`
	Policy       PolicyConfig               `mapstructure:"policy"`
	Sandbox      SandboxConfig              `mapstructure:"sandbox"`
	Integrations map[string]actions.Service `mapstructure:"integrations"`
	Browser      BrowserConfig              `mapstructure:"browser"`
	Scheduler    SchedulerConfig            `mapstructure:"scheduler"`
	MCP          MCPConfig                  `mapstructure:"mcp"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	CancelGrace        time.Duration `mapstructure:"cancel_grace"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	MaxNesting         int           `mapstructure:"max_nesting"`
}

type PolicyConfig struct {
	Safe       bool     `mapstructure:"safe"`
	Unattended bool     `mapstructure:"unattended"`
	Deny       []string `mapstructure:"deny"`
	Allow      []string `mapstructure:"allow"`
}

type SandboxConfig struct {
	MaxOutputBytes int64    `mapstructure:"max_output_bytes"`
	AllowedPaths   []string `mapstructure:"allowed_paths"`
}

type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	ScreenshotDir string `mapstructure:"screenshot_dir"`
}

type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type MCPConfig struct {
	// Addr is reserved for a network transport; serve speaks stdio.
	Addr string `mapstructure:"addr"`
}

func defaultConfig() Config {
	return Config{
		DB: DBConfig{
			Driver: store.DriverLibSQL,
			Path:   filepath.Join(riskflowDir(), "riskflow.db"),
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			MaxConcurrency: 4,
			CancelGrace:    5 * time.Second,
			MaxNesting:     5,
		},
		Policy:    PolicyConfig{Safe: true},
		Sandbox:   SandboxConfig{MaxOutputBytes: 10 * 1024 * 1024},
		Browser:   BrowserConfig{Headless: true, ScreenshotDir: filepath.Join(riskflowDir(), "screenshots")},
		Scheduler: SchedulerConfig{Interval: time.Minute},
	}
}

func riskflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".riskflow"
	}
	return filepath.Join(home, ".riskflow")
}

// newViper returns a viper instance with every key defaulted and RISKFLOW_*
// environment variables bound.
func newViper() *viper.Viper {
	def := defaultConfig()
	v := viper.New()

	v.SetEnvPrefix("RISKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db.driver", def.DB.Driver)
	v.SetDefault("db.path", def.DB.Path)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("engine.max_concurrency", def.Engine.MaxConcurrency)
	v.SetDefault("engine.cancel_grace", def.Engine.CancelGrace)
	v.SetDefault("engine.default_step_timeout", def.Engine.DefaultStepTimeout)
	v.SetDefault("engine.max_nesting", def.Engine.MaxNesting)
	v.SetDefault("policy.safe", def.Policy.Safe)
	v.SetDefault("policy.unattended", def.Policy.Unattended)
	v.SetDefault("policy.deny", []string{})
	v.SetDefault("policy.allow", []string{})
	v.SetDefault("sandbox.max_output_bytes", def.Sandbox.MaxOutputBytes)
	v.SetDefault("sandbox.allowed_paths", []string{})
	v.SetDefault("browser.headless", def.Browser.Headless)
	v.SetDefault("browser.screenshot_dir", def.Browser.ScreenshotDir)
	v.SetDefault("scheduler.interval", def.Scheduler.Interval)
	v.SetDefault("mcp.addr", def.MCP.Addr)
	return v
}

// loadConfig reads the optional config file at path, or the first
// config.{yaml,json,toml} in the usual places when path is empty, and
// decodes the merged settings.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(riskflowDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.DB.Driver {
	case store.DriverLibSQL, store.DriverSQLite:
	default:
		return fmt.Errorf("unknown database driver %q", cfg.DB.Driver)
	}
	if cfg.DB.Path == "" {
		return errors.New("the database path cannot be empty")
	}
	if cfg.Engine.MaxConcurrency <= 0 {
		return errors.New("engine.max_concurrency must be positive")
	}
	if cfg.Engine.MaxNesting <= 0 {
		return errors.New("engine.max_nesting must be positive")
	}
	if cfg.Engine.CancelGrace < 0 || cfg.Engine.DefaultStepTimeout < 0 {
		return errors.New("engine durations cannot be negative")
	}
	if cfg.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}
	validLogFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validLogFormats[strings.ToLower(cfg.Log.Format)] {
		return fmt.Errorf("invalid log format: %s", cfg.Log.Format)
	}

	for name, svc := range cfg.Integrations {
		if svc.BaseURL == "" {
			return fmt.Errorf("integration %q has no base_url", name)
		}
	}
	return nil
}
