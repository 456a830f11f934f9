package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/harun/clawgate/pkg/router"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through the provider pool and gateway settings, starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	cfg.Models = append([]router.ProviderConfig(nil), base.Models...)
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== clawgate configuration ===")
	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "Providers are tried in order. %d configured.\n", len(cfg.Models))

	for {
		fmt.Fprint(w.out, "Add a provider? (y/n) [n]: ")
		answer, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if strings.ToLower(answer) != "y" {
			break
		}

		rec, err := w.readProvider(validator)
		if err != nil {
			return nil, err
		}
		cfg.Models = append(cfg.Models, rec)
	}

	if len(cfg.Models) > 0 {
		fallback := cfg.DefaultModel
		if fallback == "" {
			fallback = cfg.Models[0].ModelName
		}
		fmt.Fprintf(w.out, "Default model [%s]: ", fallback)
		model, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if model == "" {
			model = fallback
		}
		cfg.DefaultModel = model
	}

	fmt.Fprintf(w.out, "Gateway port [%d]: ", cfg.Gateway.Port)
	port, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil || validator.ValidatePort(p) != nil {
			fmt.Fprintf(w.out, "Warning: invalid port %q, keeping %d\n", port, cfg.Gateway.Port)
		} else {
			cfg.Gateway.Port = p
		}
	}

	fmt.Fprintf(w.out, "Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return &cfg, nil
}

func (w *Wizard) readProvider(validator *Validator) (router.ProviderConfig, error) {
	var rec router.ProviderConfig

	fmt.Fprint(w.out, "Provider name: ")
	name, err := w.readLine()
	if err != nil {
		return rec, err
	}
	rec.Provider = name

	for {
		fmt.Fprintf(w.out, "Base URL [%s]: ", router.DefaultBaseURL)
		baseURL, err := w.readLine()
		if err != nil {
			return rec, err
		}
		if err := validator.ValidateBaseURL(baseURL); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		rec.BaseURL = baseURL
		break
	}

	fmt.Fprint(w.out, "API key: ")
	key, err := w.readLine()
	if err != nil {
		return rec, err
	}
	rec.APIKey = key

	for {
		fmt.Fprint(w.out, "Model name: ")
		model, err := w.readLine()
		if err != nil {
			return rec, err
		}
		rec.ModelName = model
		if err := validator.ValidateModel(rec); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return rec, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
