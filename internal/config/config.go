// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

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

// AppConfig holds all application configuration.
// It is built by NewConfig() and handed to components that need it.
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Container ContainerConfig `mapstructure:"container"`
	Git       GitConfig       `mapstructure:"git"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DatabaseConfig holds run store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller    bool `mapstructure:"include_caller"`
	IncludeTimestamp bool `mapstructure:"include_timestamp"`
	IncludeStack     bool `mapstructure:"include_stack"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// PipelineConfig controls how trigger events are turned into runs.
type PipelineConfig struct {
	// DefinitionFile points at a pipeline YAML. Empty means the built-in
	// checkout/install/test/build/publish pipeline.
	DefinitionFile string        `mapstructure:"definition_file"`
	TriggerBranch  string        `mapstructure:"trigger_branch"`
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
	// Engine selects the dispatcher: "local" or "temporal".
	Engine      string `mapstructure:"engine"`
	EventBuffer int    `mapstructure:"event_buffer"`
}

// TemporalConfig holds Temporal-related configuration.
type TemporalConfig struct {
	HostPort  string       `mapstructure:"host_port"`
	Namespace string       `mapstructure:"namespace"`
	TaskQueue string       `mapstructure:"task_queue"`
	Worker    WorkerConfig `mapstructure:"worker"`
	// ActivityMargin is added on top of the stage timeout for the
	// advance activity's StartToClose budget.
	ActivityMargin      time.Duration `mapstructure:"activity_margin"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	WorkflowTaskTimeout time.Duration `mapstructure:"workflow_task_timeout"`
	WorkflowRunTimeout  time.Duration `mapstructure:"workflow_run_timeout"`
}

// WorkerConfig holds Temporal worker configuration.
type WorkerConfig struct {
	MaxConcurrentActivityExecutions int `mapstructure:"max_concurrent_activities"`
	MaxConcurrentWorkflows          int `mapstructure:"max_concurrent_workflows"`
}

// ContainerConfig holds Docker daemon settings used by build and by
// containerised install/test commands.
type ContainerConfig struct {
	DockerHost  string            `mapstructure:"docker_host"`
	NetworkMode string            `mapstructure:"network_mode"`
	WorkDir     string            `mapstructure:"work_dir"`
	Environment map[string]string `mapstructure:"environment"`
	MemoryMB    int64             `mapstructure:"memory_mb"`
}

// GitConfig holds checkout configuration.
type GitConfig struct {
	Repository   string `mapstructure:"repository"`
	WorkspaceDir string `mapstructure:"workspace_dir"`
	// KeepWorkspaces leaves checked-out sources on disk after a run ends.
	KeepWorkspaces bool `mapstructure:"keep_workspaces"`
}

// RegistryConfig holds the target image registry.
type RegistryConfig struct {
	// Driver is "docker" (push through the daemon) or "oci" (push directly
	// with go-containerregistry).
	Driver         string `mapstructure:"driver"`
	Server         string `mapstructure:"server"`
	Repository     string `mapstructure:"repository"`
	Tag            string `mapstructure:"tag"`
	Insecure       bool   `mapstructure:"insecure"`
	UsernameSecret string `mapstructure:"username_secret"`
	PasswordSecret string `mapstructure:"password_secret"`
}

// SecretsConfig selects where registry credentials come from.
type SecretsConfig struct {
	Provider  string `mapstructure:"provider"` // "env" or "file"
	EnvPrefix string `mapstructure:"env_prefix"`
	File      string `mapstructure:"file"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("shipyard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/shipyard/")
		v.AddConfigPath("$HOME/.shipyard")
	}

	v.SetEnvPrefix("SHIPYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	// A missing config file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvKeys registers keys that have no config file entry so that
// AutomaticEnv can still resolve them during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.driver", "database.database", "database.host", "database.port",
		"database.username", "database.password",
		"pipeline.definition_file", "pipeline.trigger_branch", "pipeline.stage_timeout", "pipeline.engine",
		"git.repository", "git.workspace_dir",
		"registry.driver", "registry.server", "registry.repository", "registry.tag",
		"secrets.provider", "secrets.file", "secrets.env_prefix",
		"server.host", "server.port",
		"temporal.host_port", "temporal.namespace", "temporal.task_queue",
		"telemetry.enabled", "telemetry.endpoint",
		"log.level", "log.format",
	} {
		_ = v.BindEnv(key)
	}
}

// defaultConfig returns an AppConfig with default values.
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "shipyard.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "console",
					Enabled: true,
				},
				{
					Type:    "file",
					Enabled: false,
					Path:    "./logs/shipyard.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
			},
			Levels: map[string]string{
				"orchestrator": "INFO",
				"stages":       "INFO",
				"temporal":     "WARN",
				"store":        "INFO",
				"git":          "INFO",
				"container":    "INFO",
				"registry":     "INFO",
				"api":          "INFO",
			},
			Context: LogContextConfig{
				IncludeTimestamp: true,
			},
			Sampling: LogSamplingConfig{
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Pipeline: PipelineConfig{
			TriggerBranch: "main",
			StageTimeout:  15 * time.Minute,
			Engine:        "local",
			EventBuffer:   256,
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "shipyard-runs",
			Worker: WorkerConfig{
				MaxConcurrentActivityExecutions: 16,
				MaxConcurrentWorkflows:          64,
			},
			ActivityMargin:      time.Minute,
			HeartbeatTimeout:    30 * time.Second,
			WorkflowTaskTimeout: 10 * time.Second,
			WorkflowRunTimeout:  6 * time.Hour,
		},
		Container: ContainerConfig{
			DockerHost: "unix:///var/run/docker.sock",
			WorkDir:    "/src",
		},
		Git: GitConfig{
			WorkspaceDir: "./workspaces",
		},
		Registry: RegistryConfig{
			Driver:         "docker",
			Repository:     "repo/app",
			Tag:            "latest",
			UsernameSecret: "REGISTRY_USERNAME",
			PasswordSecret: "REGISTRY_PASSWORD",
		},
		Secrets: SecretsConfig{
			Provider: "env",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "shipyard",
			SampleRatio: 1.0,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	c.Git.WorkspaceDir = expandPath(c.Git.WorkspaceDir)
	c.Pipeline.DefinitionFile = expandPath(c.Pipeline.DefinitionFile)
	c.Secrets.File = expandPath(c.Secrets.File)
	c.Container.DockerHost = expandPath(c.Container.DockerHost)
	for i := range c.Log.Output {
		c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	case "":
		return errors.New("database driver is required")
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Pipeline.TriggerBranch == "" {
		return errors.New("pipeline.trigger_branch is required")
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("pipeline.stage_timeout must be positive, got %s", c.Pipeline.StageTimeout)
	}
	if c.Pipeline.Engine != "local" && c.Pipeline.Engine != "temporal" {
		return fmt.Errorf("pipeline.engine must be 'local' or 'temporal', got: %s", c.Pipeline.Engine)
	}

	if c.Registry.Driver != "docker" && c.Registry.Driver != "oci" {
		return fmt.Errorf("registry.driver must be 'docker' or 'oci', got: %s", c.Registry.Driver)
	}
	if c.Registry.UsernameSecret == "" || c.Registry.PasswordSecret == "" {
		return errors.New("registry.username_secret and registry.password_secret are required")
	}

	switch c.Secrets.Provider {
	case "env":
	case "file":
		if c.Secrets.File == "" {
			return errors.New("secrets.file is required when secrets.provider is 'file'")
		}
	default:
		return fmt.Errorf("secrets.provider must be 'env' or 'file', got: %s", c.Secrets.Provider)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1], got %v", c.Telemetry.SampleRatio)
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}

// Address returns host:port for the HTTP server.
func (sc ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", sc.Host, sc.Port)
}
