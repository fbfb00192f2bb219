// Package config loads the optional .cellrun YAML file. Every setting can
// also be overridden from the environment as CELLRUN_<SECTION>_<KEY>, e.g.
// CELLRUN_SHELL_KILL_GRACE=5s.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// FileName is the config file looked up from the workspace upward.
const FileName = ".cellrun"

// Default values. Zero values in Config mean "use the default".
const (
	DefaultKillGrace      = 2 * time.Second
	DefaultOutputBuffer   = 128
	DefaultChunkSize      = 4096
	DefaultPollTimeout    = 250 * time.Millisecond
	DefaultMaxPollTimeout = 30 * time.Second
	DefaultRetention      = 10 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultHistorySize    = 256
	DefaultLogLevel       = "info"
)

// Config holds the parsed configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version  int            `yaml:"version" mapstructure:"version"`
	Shell    ShellConfig    `yaml:"shell" mapstructure:"shell"`
	Script   ScriptConfig   `yaml:"script" mapstructure:"script"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Poll     PollConfig     `yaml:"poll" mapstructure:"poll"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	History  HistoryConfig  `yaml:"history" mapstructure:"history"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ShellConfig controls shell tasks.
type ShellConfig struct {
	Program   string        `yaml:"program" mapstructure:"program"` // default: first of zsh, bash, sh
	Args      []string      `yaml:"args" mapstructure:"args"`       // default: ["-c"]
	KillGrace time.Duration `yaml:"kill_grace" mapstructure:"kill_grace"`
	Workspace string        `yaml:"workspace" mapstructure:"workspace"` // bound for working directories
}

// ScriptConfig controls Lua script tasks.
type ScriptConfig struct {
	Workers       int           `yaml:"workers" mapstructure:"workers"` // default: NumCPU
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"` // default: none
	CallStackSize int           `yaml:"call_stack_size" mapstructure:"call_stack_size"`
}

// OutputConfig controls output forwarding.
type OutputConfig struct {
	Buffer    int   `yaml:"buffer" mapstructure:"buffer"`
	ChunkSize int   `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxBytes  int64 `yaml:"max_bytes" mapstructure:"max_bytes"` // per run, 0 = unlimited
}

// PollConfig controls poll waits requested without an explicit timeout.
type PollConfig struct {
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout" mapstructure:"max_timeout"`
}

// RegistryConfig controls how long finished runs stay pollable.
type RegistryConfig struct {
	Retention     time.Duration `yaml:"retention" mapstructure:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// HistoryConfig controls the finished-run history.
type HistoryConfig struct {
	Size  int  `yaml:"size" mapstructure:"size"`
	Spill bool `yaml:"spill" mapstructure:"spill"` // keep evicted summaries in a temp dir
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // auto, console, json
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// KillGrace returns the SIGTERM to SIGKILL delay.
func (c *Config) KillGrace() time.Duration {
	if c.Shell.KillGrace > 0 {
		return c.Shell.KillGrace
	}
	return DefaultKillGrace
}

// OutputBuffer returns the per-run output channel capacity.
func (c *Config) OutputBuffer() int {
	if c.Output.Buffer > 0 {
		return c.Output.Buffer
	}
	return DefaultOutputBuffer
}

// ChunkSize returns the forwarder read size.
func (c *Config) ChunkSize() int {
	if c.Output.ChunkSize > 0 {
		return c.Output.ChunkSize
	}
	return DefaultChunkSize
}

// PollTimeout returns the default poll wait.
func (c *Config) PollTimeout() time.Duration {
	if c.Poll.Timeout > 0 {
		return c.Poll.Timeout
	}
	return DefaultPollTimeout
}

// MaxPollTimeout caps caller-requested poll waits.
func (c *Config) MaxPollTimeout() time.Duration {
	if c.Poll.MaxTimeout > 0 {
		return c.Poll.MaxTimeout
	}
	return DefaultMaxPollTimeout
}

// Retention returns how long finished runs stay registered.
func (c *Config) Retention() time.Duration {
	if c.Registry.Retention > 0 {
		return c.Registry.Retention
	}
	return DefaultRetention
}

// SweepInterval returns how often finished runs are reaped.
func (c *Config) SweepInterval() time.Duration {
	if c.Registry.SweepInterval > 0 {
		return c.Registry.SweepInterval
	}
	return DefaultSweepInterval
}

// HistorySize returns the number of summaries kept in memory.
func (c *Config) HistorySize() int {
	if c.History.Size > 0 {
		return c.History.Size
	}
	return DefaultHistorySize
}

// LogLevel returns the configured level name.
func (c *Config) LogLevel() string {
	if c.Log.Level != "" {
		return c.Log.Level
	}
	return DefaultLogLevel
}

// LoadResult holds the parsed config and the discovered project root.
type LoadResult struct {
	Config   *Config
	RepoRoot string // directory holding .cellrun, go.mod or .git; falls back to workspace
	Path     string // config file used, empty when none
}

// Load reads the .cellrun file from the project root. The root is found by
// walking upward from workspace. A missing file yields a default Config.
func Load(workspace string) (*LoadResult, error) {
	root, err := findRepoRoot(workspace)
	if err != nil {
		root = workspace
	}

	path := filepath.Join(root, FileName)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", FileName, err)
		}
		path = ""
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, RepoRoot: root, Path: path}, nil
}

// LoadFile reads configuration from path, or from the environment and
// defaults alone when path is empty.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decoderOption()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate rejects values that cannot mean anything useful.
func (c *Config) Validate() error {
	var errs []error
	if c.Script.Workers < 0 {
		errs = append(errs, fmt.Errorf("script.workers must not be negative"))
	}
	if c.Output.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("output.max_bytes must not be negative"))
	}
	switch c.Log.Format {
	case "", "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of auto, console, json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix("CELLRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so that environment overrides apply
// even when no file mentions the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("version", 0)
	v.SetDefault("shell.program", "")
	v.SetDefault("shell.args", nil)
	v.SetDefault("shell.kill_grace", DefaultKillGrace)
	v.SetDefault("shell.workspace", "")
	v.SetDefault("script.workers", 0)
	v.SetDefault("script.timeout", time.Duration(0))
	v.SetDefault("script.call_stack_size", 0)
	v.SetDefault("output.buffer", DefaultOutputBuffer)
	v.SetDefault("output.chunk_size", DefaultChunkSize)
	v.SetDefault("output.max_bytes", 0)
	v.SetDefault("poll.timeout", DefaultPollTimeout)
	v.SetDefault("poll.max_timeout", DefaultMaxPollTimeout)
	v.SetDefault("registry.retention", DefaultRetention)
	v.SetDefault("registry.sweep_interval", DefaultSweepInterval)
	v.SetDefault("history.size", DefaultHistorySize)
	v.SetDefault("history.spill", false)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", 0)
	v.SetDefault("log.max_age_days", 0)
}

func decoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(" "),
		),
	)
}

// findRepoRoot walks upward from dir looking for a directory containing
// .cellrun, go.mod or .git.
func findRepoRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		for _, marker := range []string{FileName, "go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("project root not found")
		}
		dir = parent
	}
}
