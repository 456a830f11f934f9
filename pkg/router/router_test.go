package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/clawgate/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okBody = `{"choices":[{"message":{"role":"assistant","content":"Recovered"}}]}`

func newTestRouter(cfg Config) *Router {
	return New(cfg, zerolog.Nop())
}

func statusOf(t *testing.T, r *Router, id string) Status {
	t.Helper()
	for _, p := range r.Providers() {
		if p.ID == id {
			return p.Status
		}
	}
	t.Fatalf("provider %s not in pool", id)
	return ""
}

func TestBuildPoolOrdering(t *testing.T) {
	pool := buildPool([]ProviderConfig{
		{Provider: "a", ModelName: "small"},
		{ModelName: "big", BaseURL: "http://x/v1/"},
		{Provider: "c", ModelName: "mid"},
	}, "big", 1)

	require.Len(t, pool, 3)
	assert.Equal(t, "provider-1", pool[0].ID)
	assert.Equal(t, "a", pool[1].ID)
	assert.Equal(t, "c", pool[2].ID)
	assert.Equal(t, "http://x/v1/chat/completions", pool[0].endpoint())
	assert.Equal(t, DefaultBaseURL, pool[1].BaseURL)
	for _, p := range pool {
		assert.Equal(t, StatusHealthy, p.status)
	}
}

func TestChatFailover(t *testing.T) {
	var calls atomic.Int32

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer key-b", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "model-b", req["model"])
		assert.Equal(t, false, req["stream"])
		_, hasTools := req["tools"]
		assert.False(t, hasTools)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, okBody)
	}))
	defer good.Close()

	r := newTestRouter(Config{})
	r.Reload([]ProviderConfig{
		{Provider: "A", BaseURL: bad.URL, APIKey: "key-a", ModelName: "model-a"},
		{Provider: "B", BaseURL: good.URL, APIKey: "key-b", ModelName: "model-b"},
	}, "model-a")

	msg, err := r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, llm.RoleAssistant, msg.Role)
	assert.Equal(t, "Recovered", msg.Content)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StatusSick, statusOf(t, r, "A"))
	assert.Equal(t, StatusHealthy, statusOf(t, r, "B"))
}

func TestChatRateLimitCooldown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, okBody)
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRouter(Config{})
	r.now = func() time.Time { return now }
	r.Reload([]ProviderConfig{{Provider: "A", BaseURL: srv.URL, ModelName: "m"}}, "")

	_, err := r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersBusy)
	assert.NotErrorIs(t, err, ErrAllProvidersDown)

	var exhausted *PoolExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, now.Add(DefaultBusyCooldown), exhausted.RetryAt)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.True(t, statusErr.RateLimited())
	assert.Equal(t, StatusBusy, statusOf(t, r, "A"))

	// Still cooling down.
	now = now.Add(10 * time.Second)
	_, err = r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	assert.ErrorIs(t, err, ErrAllProvidersBusy)
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(DefaultBusyCooldown)
	msg, err := r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Recovered", msg.Content)
	assert.Equal(t, StatusHealthy, statusOf(t, r, "A"))
}

func TestChatAllDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newTestRouter(Config{})
	r.Reload([]ProviderConfig{
		{Provider: "A", BaseURL: srv.URL, ModelName: "m1"},
		{Provider: "B", BaseURL: srv.URL, ModelName: "m2"},
	}, "")

	_, err := r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersDown)
	assert.NotErrorIs(t, err, ErrAllProvidersBusy)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestChatEmptyPool(t *testing.T) {
	r := newTestRouter(Config{})
	_, err := r.Chat(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrAllProvidersDown)
}

func TestChatMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	records := make([]ProviderConfig, 7)
	for i := range records {
		records[i] = ProviderConfig{Provider: fmt.Sprintf("p%d", i), BaseURL: srv.URL, ModelName: "m"}
	}
	r := newTestRouter(Config{})
	r.Reload(records, "")

	_, err := r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 5 attempts")
	assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())
	assert.Equal(t, StatusHealthy, statusOf(t, r, "p5"))
}

func TestChatTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := newTestRouter(Config{RequestTimeout: 50 * time.Millisecond, MaxAttempts: 1})
	r.Reload([]ProviderConfig{{Provider: "A", BaseURL: srv.URL, ModelName: "m"}}, "")

	_, err := r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, StatusSick, statusOf(t, r, "A"))
}

func TestChatCallerCancelDoesNotDemote(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := newTestRouter(Config{})
	r.Reload([]ProviderConfig{{Provider: "A", BaseURL: srv.URL, ModelName: "m"}}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Chat(ctx, []llm.Message{llm.User("hi")}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusHealthy, statusOf(t, r, "A"))
}

func TestSickProviderHeals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRouter(Config{SickRecovery: 30 * time.Millisecond, MaxAttempts: 1})
	r.Reload([]ProviderConfig{{Provider: "A", BaseURL: srv.URL, ModelName: "m"}}, "")

	_, err := r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	require.Error(t, err)
	assert.Equal(t, StatusSick, statusOf(t, r, "A"))

	assert.Eventually(t, func() bool {
		return statusOf(t, r, "A") == StatusHealthy
	}, time.Second, 10*time.Millisecond)
}

func TestReloadCancelsHealTimers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRouter(Config{SickRecovery: time.Hour, MaxAttempts: 1})
	r.Reload([]ProviderConfig{{Provider: "A", BaseURL: srv.URL, ModelName: "m"}}, "")
	_, _ = r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)

	old := r.pool[0]
	require.NotNil(t, old.healTimer)

	r.Reload([]ProviderConfig{{Provider: "A", BaseURL: srv.URL, ModelName: "m"}}, "")
	assert.False(t, old.healTimer.Stop())
	assert.Equal(t, StatusHealthy, statusOf(t, r, "A"))

	// A stale provider must not affect the new pool.
	r.demote(old, errors.New("late failure"))
	assert.Equal(t, StatusHealthy, statusOf(t, r, "A"))
}

func TestChatToolCallsAndMissingRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req["tools"], 1)

		io.WriteString(w, `{"choices":[{"message":{"content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"exec","arguments":"{\"command\":\"ls\"}"}}]}}]}`)
	}))
	defer srv.Close()

	r := newTestRouter(Config{})
	r.Reload([]ProviderConfig{{Provider: "A", BaseURL: srv.URL, ModelName: "m"}}, "")

	tools := []llm.Tool{llm.NewTool("exec", "run", map[string]interface{}{"type": "object"})}
	msg, err := r.Chat(context.Background(), []llm.Message{llm.User("list")}, tools)
	require.NoError(t, err)
	assert.Equal(t, llm.RoleAssistant, msg.Role)
	require.True(t, msg.HasToolCalls())
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "exec", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"command":"ls"}`, msg.ToolCalls[0].Function.Arguments)
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	r := newTestRouter(Config{MaxAttempts: 1})
	r.Reload([]ProviderConfig{{Provider: "A", BaseURL: srv.URL, ModelName: "m"}}, "")

	_, err := r.Chat(context.Background(), []llm.Message{llm.User("hi")}, nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestEncodeRequest(t *testing.T) {
	t.Run("should omit tools when none are offered", func(t *testing.T) {
		body, err := encodeRequest("m", []llm.Message{llm.User("hi")}, nil, true)
		require.NoError(t, err)
		assert.JSONEq(t, `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`, string(body))
	})

	t.Run("should carry tool definitions", func(t *testing.T) {
		tools := []llm.Tool{{Type: "function", Function: llm.FunctionDefinition{Name: "exec", Description: "run"}}}
		body, err := encodeRequest("m", []llm.Message{llm.User("hi")}, tools, false)
		require.NoError(t, err)

		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, false, req["stream"])
		assert.Len(t, req["tools"], 1)
	})
}
