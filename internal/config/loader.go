package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	// EnvWorkspace overrides the workspace directory.
	EnvWorkspace = "CLAWGATE_WORKSPACE"
	// FileName is the config file inside the workspace.
	FileName = "config.json"

	envPrefix      = "CLAWGATE"
	defaultDirName = ".clawgate"
)

// ResolveWorkspace picks the workspace directory: an explicit override, then
// $CLAWGATE_WORKSPACE, then ~/.clawgate.
func ResolveWorkspace(override string) (string, error) {
	if override != "" {
		return filepath.Abs(override)
	}
	if env := os.Getenv(EnvWorkspace); env != "" {
		return filepath.Abs(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

// Loader handles configuration loading
type Loader struct {
	workspace string
	logger    zerolog.Logger
}

// NewLoader creates a loader for <workspace>/config.json.
func NewLoader(workspace string, logger zerolog.Logger) *Loader {
	return &Loader{
		workspace: workspace,
		logger:    logger.With().Str("component", "config").Logger(),
	}
}

// Path returns the config file path
func (l *Loader) Path() string {
	return filepath.Join(l.workspace, FileName)
}

// Workspace returns the workspace directory.
func (l *Loader) Workspace() string {
	return l.workspace
}

// Load never fails. A missing file is replaced by the defaults written to
// disk; an unreadable or invalid file yields the defaults and a warning.
func (l *Loader) Load() *Config {
	path := l.Path()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		if err := l.Save(cfg); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to write default config")
		} else {
			l.logger.Info().Str("path", path).Msg("Wrote default config")
		}
		cfg.Workspace = l.workspace
		return cfg
	}

	cfg, err := l.Read()
	if err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load config, using defaults")
		cfg = DefaultConfig()
		cfg.Workspace = l.workspace
	}
	return cfg
}

// Read parses and validates the config file, returning any error.
func (l *Loader) Read() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(l.Path())
	v.SetConfigType("json")

	// CLAWGATE_GATEWAY_PORT overrides gateway.port, and so on.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if cfg.Workspace == "" {
		cfg.Workspace = l.workspace
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as indented JSON, replacing the file atomically.
func (l *Loader) Save(cfg *Config) error {
	if err := os.MkdirAll(l.workspace, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(l.workspace, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(cfg.String() + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.Path()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults registers scalar keys so environment overrides apply even when
// the file omits them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.requestsPerMinute", d.Gateway.RequestsPerMinute)
	v.SetDefault("gateway.maxConcurrent", d.Gateway.MaxConcurrent)
	v.SetDefault("agent.maxIterations", d.Agent.MaxIterations)
	v.SetDefault("agent.maxUserTurns", d.Agent.MaxUserTurns)
	v.SetDefault("agent.toolTimeout", d.Agent.ToolTimeout)
	v.SetDefault("router.busyCooldown", d.Router.BusyCooldown)
	v.SetDefault("router.sickRecovery", d.Router.SickRecovery)
	v.SetDefault("router.requestTimeout", d.Router.RequestTimeout)
	v.SetDefault("router.maxAttempts", d.Router.MaxAttempts)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	v.SetDefault("tracing.sampleRatio", d.Tracing.SampleRatio)
	v.SetDefault("defaultModel", d.DefaultModel)
}
