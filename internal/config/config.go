// Package config handles configuration loading for platoon.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for platoon.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Workflows WorkflowsConfig `mapstructure:"workflows"`
	Store     StoreConfig     `mapstructure:"store"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// AnthropicConfig holds model provider settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// UseBedrock routes requests through AWS Bedrock instead of the
	// Anthropic API.
	UseBedrock    bool   `mapstructure:"use_bedrock"`
	BedrockRegion string `mapstructure:"bedrock_region"`
}

// DefaultsConfig holds default request values.
type DefaultsConfig struct {
	Mode          string `mapstructure:"mode"`
	Quality       string `mapstructure:"quality"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	FallbackSquad string `mapstructure:"fallback_squad"`
}

// TimeoutsConfig holds invocation and run deadlines.
type TimeoutsConfig struct {
	Invocation time.Duration `mapstructure:"invocation"`
	Run        time.Duration `mapstructure:"run"`
}

// RetryConfig bounds retries of retryable capability failures.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// QualityConfig parameterizes the quality gate.
type QualityConfig struct {
	CheckList     []string          `mapstructure:"checks"`
	MaxIterations int               `mapstructure:"max_iterations"`
	AutoFix       bool              `mapstructure:"auto_fix"`
	Responsible   map[string]string `mapstructure:"responsible"`
	DefaultFixer  string            `mapstructure:"default_fixer"`
	// Commands maps a check id to the shell command that implements it.
	// Checks without a command come from .platoon/checks/<id>.sh when
	// present, and pass otherwise.
	Commands map[string]string `mapstructure:"commands"`
}

// WorkflowsConfig controls user workflow template loading.
type WorkflowsConfig struct {
	Dir       string `mapstructure:"dir"`
	HotReload bool   `mapstructure:"hot_reload"`
}

// StoreConfig controls run persistence.
type StoreConfig struct {
	// Path of the run database. Empty means the project-local default.
	Path string `mapstructure:"path"`
	// Ephemeral keeps runs in memory only.
	Ephemeral bool `mapstructure:"ephemeral"`
	// StaleAfter is the threshold for reconciling interrupted runs.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration with the usual precedence (highest first):
// environment variables, project config (.platoon.yaml in the current
// directory or a parent), user config (~/.config/platoon/config.yaml),
// built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.model", "PLATOON_MODEL")
	v.BindEnv("anthropic.use_bedrock", "CLAUDE_CODE_USE_BEDROCK")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.bedrock_region", cfg.Anthropic.BedrockRegion)
	v.Set("defaults.mode", cfg.Defaults.Mode)
	v.Set("defaults.quality", cfg.Defaults.Quality)
	v.Set("defaults.max_parallel", cfg.Defaults.MaxParallel)
	v.Set("defaults.fallback_squad", cfg.Defaults.FallbackSquad)
	v.Set("timeouts.invocation", cfg.Timeouts.Invocation.String())
	v.Set("timeouts.run", cfg.Timeouts.Run.String())
	v.Set("retry.max_retries", cfg.Retry.MaxRetries)
	v.Set("retry.backoff_base", cfg.Retry.BackoffBase.String())
	v.Set("quality.checks", cfg.Quality.CheckList)
	v.Set("quality.max_iterations", cfg.Quality.MaxIterations)
	v.Set("quality.auto_fix", cfg.Quality.AutoFix)
	v.Set("quality.default_fixer", cfg.Quality.DefaultFixer)
	v.Set("workflows.dir", cfg.Workflows.Dir)
	v.Set("workflows.hot_reload", cfg.Workflows.HotReload)
	v.Set("store.path", cfg.Store.Path)
	v.Set("store.ephemeral", cfg.Store.Ephemeral)
	v.Set("store.stale_after", cfg.Store.StaleAfter.String())
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config path if one exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.bedrock_region", "")

	v.SetDefault("defaults.mode", "hybrid")
	v.SetDefault("defaults.quality", "standard")
	v.SetDefault("defaults.max_parallel", 5)
	v.SetDefault("defaults.fallback_squad", "backend")

	v.SetDefault("timeouts.invocation", "5m")
	v.SetDefault("timeouts.run", "30m")

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.backoff_base", "2s")

	v.SetDefault("quality.checks", []string{"lint", "typecheck", "tests"})
	v.SetDefault("quality.max_iterations", 3)
	v.SetDefault("quality.auto_fix", true)
	v.SetDefault("quality.default_fixer", "backend_coder")

	v.SetDefault("workflows.dir", filepath.Join(".platoon", "workflows"))
	v.SetDefault("workflows.hot_reload", false)

	v.SetDefault("store.path", "")
	v.SetDefault("store.ephemeral", false)
	v.SetDefault("store.stale_after", "1h")

	v.SetDefault("tui.refresh_rate", "100ms")
}

// getUserConfigDir returns the XDG config directory for platoon.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "platoon")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "platoon")
	}
	return filepath.Join(home, ".config", "platoon")
}

// findProjectConfig searches for .platoon.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".platoon.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		Defaults: DefaultsConfig{
			Mode:          "hybrid",
			Quality:       "standard",
			MaxParallel:   5,
			FallbackSquad: "backend",
		},
		Timeouts: TimeoutsConfig{
			Invocation: 5 * time.Minute,
			Run:        30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:  2,
			BackoffBase: 2 * time.Second,
		},
		Quality: QualityConfig{
			CheckList:     []string{"lint", "typecheck", "tests"},
			MaxIterations: 3,
			AutoFix:       true,
			DefaultFixer:  "backend_coder",
		},
		Workflows: WorkflowsConfig{
			Dir: filepath.Join(".platoon", "workflows"),
		},
		Store: StoreConfig{
			StaleAfter: time.Hour,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
