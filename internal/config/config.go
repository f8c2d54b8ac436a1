// Package config loads botvisor configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	ConfigPathEnvVar  = "CONFIG_PATH"
	DefaultConfigPath = "botvisor.yaml"
	HeartbeatPath     = "/api/bot-heartbeat"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Runtime    RuntimeConfig    `koanf:"runtime"`
	Store      StoreConfig      `koanf:"store"`
	Logging    LoggingConfig    `koanf:"logging"`
	SeedFile   string           `koanf:"seed_file"`
}

type ServerConfig struct {
	Address         string        `koanf:"address"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// HeartbeatRate limits accepted heartbeats per bot per second.
	HeartbeatRate  float64 `koanf:"heartbeat_rate"`
	HeartbeatBurst int     `koanf:"heartbeat_burst"`
}

type SupervisorConfig struct {
	RunDir            string        `koanf:"run_dir"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatURL      string        `koanf:"heartbeat_url"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	SweepTimeout      time.Duration `koanf:"sweep_timeout"`
	SweepConcurrency  int           `koanf:"sweep_concurrency"`
	StaleAfter        time.Duration `koanf:"stale_after"`
	MaxRestarts       int           `koanf:"max_restarts"`
	RestartDelay      time.Duration `koanf:"restart_delay"`
	SettleDelay       time.Duration `koanf:"settle_delay"`
	StopTimeout       time.Duration `koanf:"stop_timeout"`
	InstallTimeout    time.Duration `koanf:"install_timeout"`
	SpawnTimeout      time.Duration `koanf:"spawn_timeout"`
	// OutputDir holds per-bot rotated output files; empty disables them.
	OutputDir     string `koanf:"output_dir"`
	LogBufferSize int    `koanf:"log_buffer_size"`
}

type RuntimeConfig struct {
	ManifestFile      string   `koanf:"manifest_file"`
	EntryFile         string   `koanf:"entry_file"`
	DependencyName    string   `koanf:"dependency_name"`
	DependencyVersion string   `koanf:"dependency_version"`
	InstallCommand    []string `koanf:"install_command"`
	ExecCommand       []string `koanf:"exec_command"`
}

type StoreConfig struct {
	// Driver is sqlite, badger or memory.
	Driver          string        `koanf:"driver"`
	Path            string        `koanf:"path"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Caller     bool   `koanf:"caller"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HeartbeatRate:   1,
			HeartbeatBurst:  5,
		},
		Supervisor: SupervisorConfig{
			RunDir:            "running",
			HeartbeatInterval: 25 * time.Second,
			SweepInterval:     30 * time.Second,
			SweepTimeout:      5 * time.Second,
			SweepConcurrency:  16,
			StaleAfter:        60 * time.Second,
			MaxRestarts:       5,
			RestartDelay:      5 * time.Second,
			SettleDelay:       2 * time.Second,
			StopTimeout:       10 * time.Second,
			InstallTimeout:    2 * time.Minute,
			SpawnTimeout:      10 * time.Second,
			OutputDir:         "logs",
			LogBufferSize:     1000,
		},
		Runtime: RuntimeConfig{
			ManifestFile:      "package.json",
			EntryFile:         "index.js",
			DependencyName:    "discord.js",
			DependencyVersion: "^14.14.1",
			InstallCommand:    []string{"npm", "install", "--no-audit", "--no-fund"},
			ExecCommand:       []string{"node", "index.js"},
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			Path:            "data/botvisor.db",
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load builds the configuration. An explicit path must exist; otherwise
// CONFIG_PATH and then DefaultConfigPath are tried and skipped when absent.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	configPath, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitCommandFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	for _, p := range []string{os.Getenv(ConfigPathEnvVar), DefaultConfigPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

var envMappings = map[string]string{
	"server_address":          "server.address",
	"server_shutdown_timeout": "server.shutdown_timeout",
	"heartbeat_rate":          "server.heartbeat_rate",
	"heartbeat_burst":         "server.heartbeat_burst",

	"run_dir":            "supervisor.run_dir",
	"heartbeat_interval": "supervisor.heartbeat_interval",
	"heartbeat_url":      "supervisor.heartbeat_url",
	"sweep_interval":     "supervisor.sweep_interval",
	"sweep_timeout":      "supervisor.sweep_timeout",
	"stale_after":        "supervisor.stale_after",
	"max_restarts":       "supervisor.max_restarts",
	"restart_delay":      "supervisor.restart_delay",
	"settle_delay":       "supervisor.settle_delay",
	"stop_timeout":       "supervisor.stop_timeout",
	"install_timeout":    "supervisor.install_timeout",
	"spawn_timeout":      "supervisor.spawn_timeout",
	"bot_output_dir":     "supervisor.output_dir",

	"runtime_install_command": "runtime.install_command",
	"runtime_exec_command":    "runtime.exec_command",
	"runtime_dependency":      "runtime.dependency_name",
	"runtime_dependency_ver":  "runtime.dependency_version",

	"store_driver":           "store.driver",
	"store_path":             "store.path",
	"store_breaker_failures": "store.breaker_failures",
	"store_breaker_timeout":  "store.breaker_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
	"log_file":   "logging.file",

	"seed_file": "seed_file",
}

var commandPaths = []string{"runtime.install_command", "runtime.exec_command"}

// splitCommandFields turns whitespace-separated command strings from the
// environment into argv slices. Values from YAML are already lists.
func splitCommandFields(k *koanf.Koanf) error {
	for _, path := range commandPaths {
		str, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		if err := k.Set(path, strings.Fields(str)); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// envTransform maps known variables onto config keys; anything else is ignored.
func envTransform(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "sqlite", "badger":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for driver %q", c.Store.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite, badger or memory, got %q", c.Store.Driver))
	}

	s := c.Supervisor
	if s.RunDir == "" {
		errs = append(errs, errors.New("supervisor.run_dir is required"))
	}
	positive := map[string]time.Duration{
		"supervisor.heartbeat_interval": s.HeartbeatInterval,
		"supervisor.sweep_interval":     s.SweepInterval,
		"supervisor.sweep_timeout":      s.SweepTimeout,
		"supervisor.stale_after":        s.StaleAfter,
		"supervisor.stop_timeout":       s.StopTimeout,
		"supervisor.install_timeout":    s.InstallTimeout,
		"supervisor.spawn_timeout":      s.SpawnTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if s.RestartDelay < 0 || s.SettleDelay < 0 {
		errs = append(errs, errors.New("supervisor restart and settle delays must not be negative"))
	}
	if s.MaxRestarts < 0 {
		errs = append(errs, errors.New("supervisor.max_restarts must not be negative"))
	}
	if s.StaleAfter <= s.HeartbeatInterval {
		errs = append(errs, errors.New("supervisor.stale_after must exceed supervisor.heartbeat_interval"))
	}
	if len(c.Runtime.ExecCommand) == 0 {
		errs = append(errs, errors.New("runtime.exec_command is required"))
	}
	if c.Runtime.ManifestFile == "" || c.Runtime.EntryFile == "" {
		errs = append(errs, errors.New("runtime manifest and entry file names are required"))
	}
	if c.Server.HeartbeatRate <= 0 || c.Server.HeartbeatBurst <= 0 {
		errs = append(errs, errors.New("server heartbeat rate and burst must be positive"))
	}
	return errors.Join(errs...)
}

// HeartbeatEndpoint is the URL children post heartbeats to. Unless set
// explicitly it points at the loopback interface on the server's port.
func (c *Config) HeartbeatEndpoint() string {
	if c.Supervisor.HeartbeatURL != "" {
		return c.Supervisor.HeartbeatURL
	}
	port := "8080"
	if _, p, err := net.SplitHostPort(c.Server.Address); err == nil && p != "" {
		port = p
	}
	return "http://127.0.0.1:" + port + HeartbeatPath
}
