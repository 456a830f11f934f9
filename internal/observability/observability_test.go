package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	SetProviderStatus("primary", ProviderSick)
	RecordRouterCall("primary", "unary", "error", 50*time.Millisecond)
	RecordToolExecution("exec", time.Millisecond, true)
	RecordSessionOp("append", nil)
	SetSchedulerPending(2)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `clawgate_provider_status{provider="primary"} 2`)
	assert.Contains(t, body, `clawgate_router_calls_total{mode="unary",outcome="error",provider="primary"} 1`)
	assert.Contains(t, body, `clawgate_tool_executions_total{status="success",tool="exec"} 1`)
	assert.Contains(t, body, "clawgate_scheduler_pending_tasks 2")
}

func TestAuditLogger(t *testing.T) {
	t.Run("should discard events before init", func(t *testing.T) {
		assert.NotPanics(t, func() {
			RecordToolAudit(context.Background(), "exec", "s1", "success", nil)
		})
	})

	t.Run("should write events after init", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit", "audit.log")
		require.NoError(t, InitAuditLogger(path))
		t.Cleanup(func() { GetAuditLogger().Close() })

		RecordToolAudit(context.Background(), "process", "web-1", "failure", map[string]interface{}{"action": "kill"})
		RecordConfigAudit(context.Background(), "reload", map[string]interface{}{"providers": 2})

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"action":"execute:process"`)
		assert.Contains(t, string(data), `"actor":"web-1"`)
		assert.Contains(t, string(data), `"action":"reload"`)
	})
}
