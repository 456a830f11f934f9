// Package config loads the gateway configuration from <workspace>/config.json.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/clawgate/pkg/router"
)

// Config represents the main clawgate configuration
type Config struct {
	// Workspace is the directory holding config.json, sessions, MEMORY.md
	// and skills. Filled in by the loader when empty.
	Workspace string `json:"workspace" mapstructure:"workspace"`

	// Models is the ordered provider pool.
	Models       []router.ProviderConfig `json:"models" mapstructure:"models"`
	DefaultModel string                  `json:"defaultModel" mapstructure:"defaultModel"`

	// Model is the legacy single-provider form. The loader folds it into
	// Models and clears it.
	Model *router.ProviderConfig `json:"model,omitempty" mapstructure:"model"`

	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	Router  RouterConfig  `json:"router" mapstructure:"router"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	RequestsPerMinute int    `json:"requestsPerMinute" mapstructure:"requestsPerMinute"`
	MaxConcurrent     int    `json:"maxConcurrent" mapstructure:"maxConcurrent"`
}

// AgentConfig holds turn loop settings
type AgentConfig struct {
	SystemPrompt  string   `json:"systemPrompt" mapstructure:"systemPrompt"`
	MaxIterations int      `json:"maxIterations" mapstructure:"maxIterations"`
	MaxUserTurns  int      `json:"maxUserTurns" mapstructure:"maxUserTurns"`
	ToolTimeout   string   `json:"toolTimeout" mapstructure:"toolTimeout"`
	SkillDirs     []string `json:"skillDirs" mapstructure:"skillDirs"`
}

// RouterConfig holds provider health timings. Durations use Go syntax ("20s").
type RouterConfig struct {
	BusyCooldown   string `json:"busyCooldown" mapstructure:"busyCooldown"`
	SickRecovery   string `json:"sickRecovery" mapstructure:"sickRecovery"`
	RequestTimeout string `json:"requestTimeout" mapstructure:"requestTimeout"`
	MaxAttempts    int    `json:"maxAttempts" mapstructure:"maxAttempts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds span sampling settings
type TracingConfig struct {
	// SampleRatio is the fraction of new traces recorded, 0 to 1.
	SampleRatio float64 `json:"sampleRatio" mapstructure:"sampleRatio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Models: []router.ProviderConfig{},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              18789,
			RequestsPerMinute: 30,
			MaxConcurrent:     2,
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			MaxUserTurns:  20,
			ToolTimeout:   "10m",
		},
		Router: RouterConfig{
			BusyCooldown:   router.DefaultBusyCooldown.String(),
			SickRecovery:   router.DefaultSickRecovery.String(),
			RequestTimeout: router.DefaultRequestTimeout.String(),
			MaxAttempts:    router.DefaultMaxAttempts,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// normalize folds the legacy single model into the pool.
func (c *Config) normalize() {
	if c.Model == nil {
		return
	}
	if len(c.Models) == 0 {
		c.Models = []router.ProviderConfig{*c.Model}
		if c.DefaultModel == "" {
			c.DefaultModel = c.Model.ModelName
		}
	}
	c.Model = nil
}

// RouterSettings converts the router section, falling back to defaults for
// unset or unparseable durations.
func (c *Config) RouterSettings() router.Config {
	return router.Config{
		BusyCooldown:   durationOr(c.Router.BusyCooldown, router.DefaultBusyCooldown),
		SickRecovery:   durationOr(c.Router.SickRecovery, router.DefaultSickRecovery),
		RequestTimeout: durationOr(c.Router.RequestTimeout, router.DefaultRequestTimeout),
		MaxAttempts:    c.Router.MaxAttempts,
	}
}

// ToolTimeout returns the per-call tool timeout.
func (c *Config) ToolTimeout() time.Duration {
	return durationOr(c.Agent.ToolTimeout, 10*time.Minute)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks if the configuration is valid. An empty model pool is
// allowed; the router reports it as an outage.
func (c *Config) Validate() error {
	v := NewValidator()

	for i, m := range c.Models {
		if err := v.ValidateModel(m); err != nil {
			return fmt.Errorf("models[%d]: %w", i, err)
		}
	}
	if c.DefaultModel != "" && len(c.Models) > 0 {
		found := false
		for _, m := range c.Models {
			if m.ModelName == c.DefaultModel {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("defaultModel %q does not match any configured model", c.DefaultModel)
		}
	}

	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.maxIterations must be positive")
	}
	if c.Agent.MaxUserTurns < 0 {
		return fmt.Errorf("agent.maxUserTurns must not be negative")
	}
	if c.Router.MaxAttempts < 0 {
		return fmt.Errorf("router.maxAttempts must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sampleRatio must be between 0 and 1")
	}

	durations := map[string]string{
		"agent.toolTimeout":     c.Agent.ToolTimeout,
		"router.busyCooldown":   c.Router.BusyCooldown,
		"router.sickRecovery":   c.Router.SickRecovery,
		"router.requestTimeout": c.Router.RequestTimeout,
	}
	for key, value := range durations {
		if err := v.ValidateDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return v.ValidateLogLevel(c.Logging.Level)
}
