package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/clawgate/internal/observability"
)

// DefaultBaseURL is used for providers that do not set one.
const DefaultBaseURL = "https://api.openai.com/v1"

// Status is a provider's health state.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusBusy    Status = "busy"
	StatusSick    Status = "sick"
)

func (s Status) metric() int {
	switch s {
	case StatusBusy:
		return observability.ProviderBusy
	case StatusSick:
		return observability.ProviderSick
	default:
		return observability.ProviderHealthy
	}
}

// ProviderConfig is one configured upstream endpoint.
type ProviderConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"`
	BaseURL   string `json:"baseUrl" mapstructure:"baseUrl"`
	APIKey    string `json:"apiKey" mapstructure:"apiKey"`
	ModelName string `json:"modelName" mapstructure:"modelName"`
}

// Provider is a pool entry. All mutable fields are guarded by the owning
// Router's mutex.
type Provider struct {
	ID        string
	BaseURL   string
	APIKey    string
	ModelName string

	status    Status
	busyUntil time.Time
	healTimer *time.Timer
	gen       uint64
}

// ProviderSnapshot is a read-only view of a provider's state.
type ProviderSnapshot struct {
	ID        string    `json:"id"`
	BaseURL   string    `json:"baseUrl"`
	ModelName string    `json:"modelName"`
	Status    Status    `json:"status"`
	BusyUntil time.Time `json:"busyUntil,omitempty"`
}

func (p *Provider) snapshot() ProviderSnapshot {
	return ProviderSnapshot{
		ID:        p.ID,
		BaseURL:   p.BaseURL,
		ModelName: p.ModelName,
		Status:    p.status,
		BusyUntil: p.busyUntil,
	}
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.BaseURL, "/") + "/chat/completions"
}

// buildPool turns config records into providers, moving the default model
// to the front while keeping the relative order of the rest.
func buildPool(records []ProviderConfig, defaultModel string, gen uint64) []*Provider {
	pool := make([]*Provider, 0, len(records))
	for i, rec := range records {
		id := rec.Provider
		if id == "" {
			id = fmt.Sprintf("provider-%d", i)
		}
		baseURL := rec.BaseURL
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}
		pool = append(pool, &Provider{
			ID:        id,
			BaseURL:   baseURL,
			APIKey:    rec.APIKey,
			ModelName: rec.ModelName,
			status:    StatusHealthy,
			gen:       gen,
		})
	}

	if defaultModel == "" {
		return pool
	}
	ordered := make([]*Provider, 0, len(pool))
	for _, p := range pool {
		if p.ModelName == defaultModel {
			ordered = append(ordered, p)
		}
	}
	for _, p := range pool {
		if p.ModelName != defaultModel {
			ordered = append(ordered, p)
		}
	}
	return ordered
}
