// Package config handles loading and validating greenloop configuration.
// Supports a global YAML file, a per-workspace greenloop.yaml merged on top,
// and GREENLOOP_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// ProjectConfigName is the per-workspace config file name.
const ProjectConfigName = "greenloop.yaml"

// Defaults for the run loop and its collaborators.
const (
	DefaultMaxIterations = 3
	DefaultRetrieveK     = 8
	DefaultOutputLimit   = 16 * 1024
	DefaultTestCommand   = "pytest -q"
	DefaultLLMTimeout    = 10 * time.Minute
	DefaultApplyTimeout  = 2 * time.Minute
	DefaultTestTimeout   = 15 * time.Minute
	DefaultIndexDir      = ".ai_index"
	DefaultServerAddr    = "127.0.0.1:8000"
)

// Validation errors.
var (
	ErrInvalidMaxIterations = errors.New("run.max_iterations must be positive")
	ErrInvalidRetrieveK     = errors.New("run.retrieve_k must be positive")
	ErrInvalidOutputLimit   = errors.New("run.output_limit must be positive")
	ErrMissingTestCommand   = errors.New("sandbox.test_command is required")
	ErrInvalidProvider      = errors.New("llm.provider must be 'openai' or 'ollama'")
	ErrInvalidTimeout       = errors.New("timeouts must not be negative")
	ErrInvalidLogLevel      = errors.New("logging.level must be debug, info, warn or error")
	ErrInvalidLogFormat     = errors.New("logging.format must be json or text")
	ErrInvalidSchedule      = errors.New("schedule entries need a valid cron, goal and workspace")
)

// Config holds all greenloop configuration. It is loaded once and passed by
// value into the components that need it.
type Config struct {
	Run        RunConfig        `mapstructure:"run"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Index      IndexConfig      `mapstructure:"index"`
	RepairTool RepairToolConfig `mapstructure:"repair_tool"`
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Schedules  []ScheduleConfig `mapstructure:"schedules"`
}

// RunConfig controls the repair loop.
type RunConfig struct {
	MaxIterations int  `mapstructure:"max_iterations"`
	UseRepairTool bool `mapstructure:"use_repair_tool"`
	RetrieveK     int  `mapstructure:"retrieve_k"`
	OutputLimit   int  `mapstructure:"output_limit"`  // byte ceiling for test output in events and prompts
	RefreshIndex  bool `mapstructure:"refresh_index"` // rebuild the symbol index every iteration
}

// SandboxConfig controls patch application and test execution.
type SandboxConfig struct {
	TestCommand  string        `mapstructure:"test_command"`
	Shell        string        `mapstructure:"shell"`
	ComposeFile  string        `mapstructure:"compose_file"` // relative to the workspace
	ComposeSvc   string        `mapstructure:"compose_service"`
	ApplyTimeout time.Duration `mapstructure:"apply_timeout"`
	TestTimeout  time.Duration `mapstructure:"test_timeout"`
}

// LLMConfig selects and tunes the model backend.
type LLMConfig struct {
	Provider          string        `mapstructure:"provider"` // openai, ollama
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	SmartModel        string        `mapstructure:"smart_model"` // planning and patches
	FastModel         string        `mapstructure:"fast_model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Temperature       float32       `mapstructure:"temperature"`
}

// IndexConfig controls the symbol index.
type IndexConfig struct {
	Dir        string   `mapstructure:"dir"`
	Extensions []string `mapstructure:"extensions"`
	SkipDirs   []string `mapstructure:"skip_dirs"`
}

// RepairToolConfig configures the optional external repair tool (aider).
type RepairToolConfig struct {
	Binary string `mapstructure:"binary"`
	Model  string `mapstructure:"model"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DBConfig configures job history persistence.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// ScheduleConfig is a recurring repair run submitted by `greenloop serve`.
type ScheduleConfig struct {
	Name          string `mapstructure:"name"`
	Cron          string `mapstructure:"cron"`
	Goal          string `mapstructure:"goal"`
	Workspace     string `mapstructure:"workspace"`
	MaxIterations int    `mapstructure:"max_iterations"`
}

// GlobalConfigPath returns ~/.config/greenloop/config.yaml.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "greenloop", "config.yaml")
}

// DefaultDBPath returns the default sqlite location.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "greenloop", "greenloop.db")
}

// Load reads the global config and ./greenloop.yaml.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getwd: %w", err)
	}
	return LoadFromPaths(cwd, GlobalConfigPath())
}

// LoadFile reads a single explicit config file.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(ExpandPath(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// LoadFromPaths reads globalPath then merges projectDir/greenloop.yaml over
// it. Missing files are skipped.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := newViper()

	if globalPath != "" {
		if _, err := os.Stat(globalPath); err == nil {
			v.SetConfigFile(globalPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read global config: %w", err)
			}
		}
	}

	if projectDir != "" {
		projectPath := filepath.Join(projectDir, ProjectConfigName)
		if _, err := os.Stat(projectPath); err == nil {
			v.SetConfigFile(projectPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merge project config: %w", err)
			}
		}
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("GREENLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "GREENLOOP_LLM_API_KEY", "OPENAI_API_KEY")
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.max_iterations", DefaultMaxIterations)
	v.SetDefault("run.use_repair_tool", false)
	v.SetDefault("run.retrieve_k", DefaultRetrieveK)
	v.SetDefault("run.output_limit", DefaultOutputLimit)
	v.SetDefault("run.refresh_index", true)

	v.SetDefault("sandbox.test_command", DefaultTestCommand)
	v.SetDefault("sandbox.shell", "sh")
	v.SetDefault("sandbox.compose_file", "docker/docker-compose.yml")
	v.SetDefault("sandbox.compose_service", "sandbox")
	v.SetDefault("sandbox.apply_timeout", DefaultApplyTimeout)
	v.SetDefault("sandbox.test_timeout", DefaultTestTimeout)

	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.smart_model", "")
	v.SetDefault("llm.fast_model", "")
	v.SetDefault("llm.timeout", DefaultLLMTimeout)
	v.SetDefault("llm.requests_per_minute", 30)
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("index.dir", DefaultIndexDir)
	v.SetDefault("index.extensions", []string{".py", ".go"})
	v.SetDefault("index.skip_dirs", []string{".git", "node_modules", "venv", ".venv", "dist", "build", "__pycache__", DefaultIndexDir})

	v.SetDefault("repair_tool.binary", "aider")
	v.SetDefault("repair_tool.model", "")

	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("db.path", DefaultDBPath())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.retention_days", 7)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.normalize()
	return cfg
}

// normalize fills model names that depend on the provider.
func (c *Config) normalize() {
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "ollama"
		if c.LLM.APIKey != "" {
			c.LLM.Provider = "openai"
		}
	}
	if c.LLM.BaseURL == "" && c.LLM.Provider == "ollama" {
		c.LLM.BaseURL = "http://localhost:11434/v1"
	}
	if c.LLM.SmartModel == "" {
		if c.LLM.Provider == "openai" {
			c.LLM.SmartModel = "gpt-4o-mini"
		} else {
			c.LLM.SmartModel = "qwen2.5-coder:7b-instruct-q4_K_M"
		}
	}
	if c.LLM.FastModel == "" {
		c.LLM.FastModel = c.LLM.SmartModel
	}
	if c.RepairTool.Model == "" {
		c.RepairTool.Model = c.LLM.SmartModel
	}
	c.DB.Path = ExpandPath(c.DB.Path)
	c.Logging.Path = ExpandPath(c.Logging.Path)
}

// Validate checks a config for values the run loop cannot work with.
func Validate(cfg *Config) error {
	if cfg.Run.MaxIterations <= 0 {
		return ErrInvalidMaxIterations
	}
	if cfg.Run.RetrieveK <= 0 {
		return ErrInvalidRetrieveK
	}
	if cfg.Run.OutputLimit <= 0 {
		return ErrInvalidOutputLimit
	}
	if strings.TrimSpace(cfg.Sandbox.TestCommand) == "" {
		return ErrMissingTestCommand
	}
	switch cfg.LLM.Provider {
	case "openai", "ollama":
	default:
		return ErrInvalidProvider
	}
	if cfg.LLM.Timeout < 0 || cfg.Sandbox.ApplyTimeout < 0 || cfg.Sandbox.TestTimeout < 0 {
		return ErrInvalidTimeout
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}
	for i, s := range cfg.Schedules {
		if strings.TrimSpace(s.Goal) == "" || strings.TrimSpace(s.Workspace) == "" {
			return fmt.Errorf("schedules[%d]: %w", i, ErrInvalidSchedule)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("schedules[%d]: %w: %v", i, ErrInvalidSchedule, err)
		}
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
