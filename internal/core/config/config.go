// Package config resolves the service configuration: built-in defaults, the
// optional env file, SKIFF_* environment variables, and caller overrides are
// merged into one immutable Config shared read-only by every component.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds the resolved service configuration. Immutable once loaded.
type Config struct {
	// ServiceName is the logical service name. The service container, the
	// ephemeral build container and the image tag all derive from it.
	ServiceName string `mapstructure:"service_name"`

	// Port is published from the container to the same host port.
	Port int `mapstructure:"service_port"`

	// Image is the tag the build commits to. Defaults to "<service>:dev".
	Image string `mapstructure:"image"`

	// BaseImage is the runtime image ephemeral build containers start from.
	BaseImage string `mapstructure:"base_image"`

	// BuildCommand runs inside the build container (and inside the running
	// container for the execute task).
	BuildCommand string `mapstructure:"build_command"`

	// RunCommand becomes the committed image's default command.
	RunCommand string `mapstructure:"run_command"`

	// ShutdownCommand is an optional in-container hook run before stop.
	ShutdownCommand string `mapstructure:"shutdown_command"`

	// HealthCommand is the engine-evaluated health check. Empty means a
	// default HTTP probe against the service port.
	HealthCommand string `mapstructure:"health_command"`

	// SourceDir is bind-mounted into containers at MountPath.
	SourceDir string `mapstructure:"source_dir"`
	MountPath string `mapstructure:"mount_path"`

	// EnvFile is the dotenv file applied to containers and merged into this
	// configuration. Absent file falls back to defaults.
	EnvFile string `mapstructure:"env_file"`

	// StatusTail is the number of log lines the status task shows.
	StatusTail int `mapstructure:"status_tail"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// BuildContainerName returns the name of the ephemeral build container.
func (c *Config) BuildContainerName() string {
	return c.ServiceName + "-build"
}

// URL returns the local address the published port serves on.
func (c *Config) URL() string {
	return fmt.Sprintf("http://localhost:%d", c.Port)
}

// Health returns the configured health command, or the default port probe.
func (c *Config) Health() string {
	if c.HealthCommand != "" {
		return c.HealthCommand
	}
	return fmt.Sprintf("curl -fsS http://localhost:%d/ >/dev/null || exit 1", c.Port)
}

// =============================================================================
// Config Loading
// =============================================================================

// Load resolves the configuration. Precedence, lowest to highest: built-in
// defaults, the env file, SKIFF_* environment variables, caller overrides
// ("KEY=value" pairs from the command line).
func Load(envFile string, overrides []string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("service_name", "app")
	v.SetDefault("service_port", 8080)
	v.SetDefault("image", "")
	v.SetDefault("base_image", "debian:bookworm-slim")
	v.SetDefault("build_command", "./scripts/build.sh")
	v.SetDefault("run_command", "./scripts/run.sh")
	v.SetDefault("shutdown_command", "")
	v.SetDefault("health_command", "")
	v.SetDefault("source_dir", ".")
	v.SetDefault("mount_path", "/app")
	v.SetDefault("env_file", ".env")
	v.SetDefault("status_tail", 50)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if envFile == "" {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		// Only a malformed file is an error; a missing one means defaults.
		if _, ok := err.(viper.ConfigParseError); ok {
			return nil, fmt.Errorf("failed to parse env file %s: %w", envFile, err)
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SKIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Caller overrides have the highest precedence.
	for _, ov := range overrides {
		key, value, ok := strings.Cut(ov, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: expected KEY=value", ov)
		}
		v.Set(strings.ToLower(key), value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = cfg.ServiceName + ":dev"
	}
	cfg.EnvFile = envFile

	return &cfg, nil
}

// ServiceEnv reads the env file as key=value pairs for injection into
// containers. A missing file yields an empty map.
func (c *Config) ServiceEnv() (map[string]string, error) {
	v := viper.New()
	v.SetConfigFile(c.EnvFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigParseError); ok {
			return nil, fmt.Errorf("failed to parse env file %s: %w", c.EnvFile, err)
		}
		return map[string]string{}, nil
	}

	env := make(map[string]string)
	for _, key := range v.AllKeys() {
		env[strings.ToUpper(key)] = v.GetString(key)
	}
	return env, nil
}

// =============================================================================
// Env File Template
// =============================================================================

// EnvTemplate is written by the init task when no env file exists yet.
const EnvTemplate = `# skiff service configuration
SERVICE_NAME=app
SERVICE_PORT=8080
BASE_IMAGE=debian:bookworm-slim
BUILD_COMMAND=./scripts/build.sh
RUN_COMMAND=./scripts/run.sh
#SHUTDOWN_COMMAND=
#HEALTH_COMMAND=
SOURCE_DIR=.
`

// WriteTemplate seeds path with EnvTemplate if no file exists there.
// Returns true when the file was created.
func WriteTemplate(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.WriteFile(path, []byte(EnvTemplate), 0644); err != nil {
		return false, fmt.Errorf("failed to seed env file %s: %w", path, err)
	}
	return true, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
