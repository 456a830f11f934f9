package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/harun/clawgate/pkg/router"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBaseURL accepts empty (the router default) or an absolute http(s) URL.
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid baseUrl %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid baseUrl %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid baseUrl %q: missing host", raw)
	}
	return nil
}

// ValidateModel validates one provider record
func (v *Validator) ValidateModel(m router.ProviderConfig) error {
	if strings.TrimSpace(m.ModelName) == "" {
		return fmt.Errorf("modelName cannot be empty")
	}
	return v.ValidateBaseURL(m.BaseURL)
}

// ValidatePort validates a listen port. Zero picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateDuration accepts empty (use the default) or a positive Go duration.
func (v *Validator) ValidateDuration(value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", value)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if level == "" {
		return nil
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}
