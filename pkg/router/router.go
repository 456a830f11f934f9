// Package router sends chat-completion requests to a pool of
// OpenAI-compatible providers, tracking their health and failing over
// between them.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultBusyCooldown   = 20 * time.Second
	DefaultSickRecovery   = 60 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxAttempts    = 5

	maxResponseBytes = 32 << 20
	maxErrorBody     = 2048
)

// Config tunes failure handling.
type Config struct {
	BusyCooldown   time.Duration
	SickRecovery   time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int
	HTTPClient     *http.Client
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		BusyCooldown:   DefaultBusyCooldown,
		SickRecovery:   DefaultSickRecovery,
		RequestTimeout: DefaultRequestTimeout,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

// Router owns one provider pool.
type Router struct {
	mu   sync.Mutex
	pool []*Provider
	gen  uint64

	cfg    Config
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a router with an empty pool. Call Reload to populate it.
func New(cfg Config, logger zerolog.Logger) *Router {
	observability.EnsureRegistered()

	def := DefaultConfig()
	if cfg.BusyCooldown <= 0 {
		cfg.BusyCooldown = def.BusyCooldown
	}
	if cfg.SickRecovery <= 0 {
		cfg.SickRecovery = def.SickRecovery
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Router{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "router").Logger(),
		now:    time.Now,
	}
}

// Reload replaces the pool with one built from records. Pending self-heal
// timers of the old pool are cancelled.
func (r *Router) Reload(records []ProviderConfig, defaultModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.pool {
		if p.healTimer != nil {
			p.healTimer.Stop()
		}
	}

	r.gen++
	r.pool = buildPool(records, defaultModel, r.gen)

	observability.ResetProviderStatus()
	for _, p := range r.pool {
		observability.SetProviderStatus(p.ID, p.status.metric())
	}

	first := ""
	if len(r.pool) > 0 {
		first = r.pool[0].ID
	}
	r.logger.Info().
		Int("providers", len(r.pool)).
		Str("defaultModel", defaultModel).
		Str("first", first).
		Msg("Provider pool loaded")
}

// Providers returns a snapshot of the pool in selection order.
func (r *Router) Providers() []ProviderSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProviderSnapshot, len(r.pool))
	for i, p := range r.pool {
		out[i] = p.snapshot()
	}
	return out
}

// selectProvider returns the first healthy provider, promoting busy
// providers whose cooldown has elapsed.
func (r *Router) selectProvider(lastErr error) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, p := range r.pool {
		switch p.status {
		case StatusHealthy:
			return p, nil
		case StatusBusy:
			if !p.busyUntil.After(now) {
				p.status = StatusHealthy
				p.busyUntil = time.Time{}
				observability.SetProviderStatus(p.ID, p.status.metric())
				r.logger.Info().Str("provider", p.ID).Msg("Provider rate limit reset")
				return p, nil
			}
		}
	}

	exhausted := &PoolExhaustedError{LastErr: lastErr}
	for _, p := range r.pool {
		if p.status != StatusBusy {
			continue
		}
		exhausted.Busy = true
		if exhausted.RetryAt.IsZero() || p.busyUntil.Before(exhausted.RetryAt) {
			exhausted.RetryAt = p.busyUntil
		}
	}

	reason := "down"
	if exhausted.Busy {
		reason = "busy"
	}
	observability.RecordPoolExhausted(reason)
	r.logger.Error().Str("reason", reason).Int("providers", len(r.pool)).Msg("No provider available")

	return nil, exhausted
}

// demote marks p busy on a rate limit and sick on any other failure. Sick
// providers heal on their own timer after SickRecovery.
func (r *Router) demote(p *Provider, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.gen != r.gen {
		return
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RateLimited() {
		p.status = StatusBusy
		p.busyUntil = r.now().Add(r.cfg.BusyCooldown)
		observability.SetProviderStatus(p.ID, p.status.metric())
		r.logger.Warn().
			Str("provider", p.ID).
			Time("busyUntil", p.busyUntil).
			Msg("Provider rate limited")
		return
	}

	p.status = StatusSick
	p.busyUntil = time.Time{}
	observability.SetProviderStatus(p.ID, p.status.metric())
	r.logger.Warn().Str("provider", p.ID).Err(err).Msg("Provider is sick")

	if p.healTimer != nil {
		p.healTimer.Stop()
	}
	p.healTimer = time.AfterFunc(r.cfg.SickRecovery, func() { r.heal(p) })
}

func (r *Router) heal(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.gen != r.gen || p.status != StatusSick {
		return
	}
	p.status = StatusHealthy
	p.healTimer = nil
	observability.SetProviderStatus(p.ID, p.status.metric())
	r.logger.Info().Str("provider", p.ID).Msg("Provider recovered")
}

// encodeRequest builds the chat-completion body. tools is only set when
// non-empty; some providers reject an empty array.
func encodeRequest(model string, messages []llm.Message, tools []llm.Tool, stream bool) ([]byte, error) {
	msgs, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}

	body, err := sjson.SetBytes([]byte(`{}`), "model", model)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetRawBytes(body, "messages", msgs); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "stream", stream); err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		defs, err := json.Marshal(tools)
		if err != nil {
			return nil, err
		}
		if body, err = sjson.SetRawBytes(body, "tools", defs); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (r *Router) newRequest(ctx context.Context, p *Provider, messages []llm.Message, tools []llm.Tool, stream bool) (*http.Request, error) {
	body, err := encodeRequest(p.ModelName, messages, tools, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func statusError(p *Provider, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Provider:   p.ID,
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(data)),
	}
}

// Chat sends messages to the first healthy provider and returns the first
// choice's message, failing over on error.
func (r *Router) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "clawgate.router", "router.chat", attribute.Int("messages", len(messages)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		p, err := r.selectProvider(lastErr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return llm.Message{}, err
		}

		logger.Info().Int("attempt", attempt).Str("provider", p.ID).Str("model", p.ModelName).Msg("Calling provider")

		msg, err := r.callUnary(ctx, p, messages, tools)
		if err == nil {
			span.SetAttributes(attribute.String("provider", p.ID), attribute.Int("attempts", attempt))
			return msg, nil
		}
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			return llm.Message{}, ctx.Err()
		}

		logger.Error().Int("attempt", attempt).Str("provider", p.ID).Err(err).Msg("Provider call failed")
		r.demote(p, err)
		lastErr = err
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return llm.Message{}, fmt.Errorf("giving up after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func (r *Router) callUnary(ctx context.Context, p *Provider, messages []llm.Message, tools []llm.Tool) (msg llm.Message, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		observability.RecordRouterCall(p.ID, "unary", outcome, time.Since(start))
	}()

	var timedOut atomic.Bool
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := time.AfterFunc(r.cfg.RequestTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	req, err := r.newRequest(callCtx, p, messages, tools, false)
	if err != nil {
		return llm.Message{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if timedOut.Load() {
			return llm.Message{}, fmt.Errorf("%w (%s) from provider %s", ErrRequestTimeout, r.cfg.RequestTimeout, p.ID)
		}
		return llm.Message{}, fmt.Errorf("provider %s: %w", p.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return llm.Message{}, statusError(p, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if timedOut.Load() {
			return llm.Message{}, fmt.Errorf("%w (%s) from provider %s", ErrRequestTimeout, r.cfg.RequestTimeout, p.ID)
		}
		return llm.Message{}, fmt.Errorf("provider %s: failed to read response: %w", p.ID, err)
	}

	return decodeChoice(p, body)
}

// decodeChoice extracts choices[0].message. Providers that omit the role
// get "assistant".
func decodeChoice(p *Provider, body []byte) (llm.Message, error) {
	if !gjson.ValidBytes(body) {
		return llm.Message{}, fmt.Errorf("provider %s: response is not valid JSON", p.ID)
	}

	choice := gjson.GetBytes(body, "choices.0.message")
	if !choice.Exists() || !choice.IsObject() {
		return llm.Message{}, fmt.Errorf("provider %s: %w", p.ID, ErrEmptyResponse)
	}

	raw := choice.Raw
	if !gjson.Get(raw, "role").Exists() {
		var err error
		if raw, err = sjson.Set(raw, "role", string(llm.RoleAssistant)); err != nil {
			return llm.Message{}, fmt.Errorf("provider %s: %w", p.ID, err)
		}
	}

	var msg llm.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return llm.Message{}, fmt.Errorf("provider %s: failed to decode message: %w", p.ID, err)
	}
	return msg, nil
}
