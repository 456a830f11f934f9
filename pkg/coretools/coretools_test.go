package coretools

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/harun/clawgate/pkg/process"
	"github.com/harun/clawgate/pkg/scheduler"
	"github.com/harun/clawgate/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	executor  *toolexecutor.ToolExecutor
	processes *process.Manager
	scheduler *scheduler.Scheduler
	root      string
	ctx       context.Context
}

func setup(t *testing.T) *fixture {
	t.Helper()

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)
	f := &fixture{
		executor:  toolexecutor.New(toolexecutor.Options{Logger: logger}),
		processes: process.NewManager(logger, process.Options{}),
		scheduler: scheduler.New(logger),
		root:      t.TempDir(),
	}
	t.Cleanup(func() {
		f.processes.Close()
		f.scheduler.Stop()
	})

	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, RegisterCoreTools(f.executor, Options{
		Processes:     f.processes,
		Scheduler:     f.scheduler,
		WorkspaceRoot: f.root,
		Now:           func() time.Time { return fixed },
	}))

	f.ctx = toolexecutor.ContextWithExecContext(context.Background(), &toolexecutor.ExecutionContext{
		SessionKey: "chat-1",
	})
	return f
}

func (f *fixture) run(name string, params map[string]interface{}) toolexecutor.ToolResult {
	return f.executor.Execute(f.ctx, name, params)
}

func TestRegisterCoreTools(t *testing.T) {
	f := setup(t)
	assert.Equal(t, []string{"exec", "exec_background", "process", "schedule_reminder"}, f.executor.ListTools())

	t.Run("should require backing services", func(t *testing.T) {
		err := RegisterCoreTools(toolexecutor.New(toolexecutor.Options{}), Options{})
		assert.Error(t, err)
	})
}

func TestExecTool(t *testing.T) {
	f := setup(t)

	t.Run("should return combined output", func(t *testing.T) {
		res := f.run("exec", map[string]interface{}{"command": "echo out; echo err 1>&2"})
		require.True(t, res.Success, res.Error)
		assert.Contains(t, res.Text(), "out")
		assert.Contains(t, res.Text(), "err")
	})

	t.Run("should resolve cwd against the workspace", func(t *testing.T) {
		require.NoError(t, os.Mkdir(filepath.Join(f.root, "sub"), 0o755))
		res := f.run("exec", map[string]interface{}{"command": "pwd", "cwd": "sub"})
		require.True(t, res.Success, res.Error)

		want, err := filepath.EvalSymlinks(filepath.Join(f.root, "sub"))
		require.NoError(t, err)
		got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Text()))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("should report non-zero exit codes as output", func(t *testing.T) {
		res := f.run("exec", map[string]interface{}{"command": "echo nope; exit 3"})
		require.True(t, res.Success)
		assert.Equal(t, "nope\n[exit code 3]", res.Text())
	})

	t.Run("should time out", func(t *testing.T) {
		res := f.run("exec", map[string]interface{}{"command": "sleep 5", "timeout_seconds": 0.2})
		assert.False(t, res.Success)
		assert.Contains(t, res.Text(), "timed out")
	})

	t.Run("should reject a missing command", func(t *testing.T) {
		res := f.run("exec", map[string]interface{}{})
		assert.False(t, res.Success)
		assert.True(t, strings.HasPrefix(res.Text(), "Error: "))
	})
}

func TestBackgroundProcessTools(t *testing.T) {
	f := setup(t)

	res := f.run("exec_background", map[string]interface{}{"command": "read line; echo got $line"})
	require.True(t, res.Success, res.Error)

	match := regexp.MustCompile(`^Started background session (\S+)$`).FindStringSubmatch(res.Text())
	require.Len(t, match, 2)
	id := match[1]

	list := f.run("process", map[string]interface{}{"action": "list"})
	require.True(t, list.Success)
	assert.Contains(t, list.Text(), id)
	assert.Contains(t, list.Text(), "running")

	write := f.run("process", map[string]interface{}{"action": "write", "session_id": id, "input": "hello\n"})
	require.True(t, write.Success, write.Error)

	done, ok := f.processes.Done(id)
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background session did not exit")
	}

	logRes := f.run("process", map[string]interface{}{"action": "log", "session_id": id})
	assert.Contains(t, logRes.Text(), "got hello")
	assert.Contains(t, logRes.Text(), "[Process exited with code 0]")

	write = f.run("process", map[string]interface{}{"action": "write", "session_id": id, "input": "again\n"})
	assert.False(t, write.Success)

	kill := f.run("process", map[string]interface{}{"action": "kill", "session_id": id})
	require.True(t, kill.Success)
	assert.Equal(t, "No background sessions.", f.run("process", map[string]interface{}{"action": "list"}).Text())
	assert.Equal(t, process.NotFoundLog, f.run("process", map[string]interface{}{"action": "log", "session_id": id}).Text())

	t.Run("should require session_id", func(t *testing.T) {
		res := f.run("process", map[string]interface{}{"action": "log"})
		assert.False(t, res.Success)
	})

	t.Run("should reject unknown actions", func(t *testing.T) {
		res := f.run("process", map[string]interface{}{"action": "restart", "session_id": id})
		assert.False(t, res.Success)
	})
}

func TestScheduleReminderTool(t *testing.T) {
	t.Run("should schedule with a delay for the calling session", func(t *testing.T) {
		f := setup(t)
		res := f.run("schedule_reminder", map[string]interface{}{"content": "stand up", "delay_seconds": 90.0})
		require.True(t, res.Success, res.Error)
		assert.Regexp(t, `^Reminder \S+ scheduled for 2026-03-01T09:01:30Z$`, res.Text())

		pending := f.scheduler.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, "chat-1", pending[0].SessionKey)
		assert.Equal(t, "stand up", pending[0].Content)
	})

	t.Run("should schedule at a timestamp", func(t *testing.T) {
		f := setup(t)
		res := f.run("schedule_reminder", map[string]interface{}{"content": "ship", "at": "2026-03-01T12:00:00Z"})
		require.True(t, res.Success, res.Error)
		assert.Contains(t, res.Text(), "2026-03-01T12:00:00Z")
	})

	t.Run("should schedule the next cron occurrence", func(t *testing.T) {
		f := setup(t)
		res := f.run("schedule_reminder", map[string]interface{}{"content": "standup", "cron": "30 9 * * *"})
		require.True(t, res.Success, res.Error)
		assert.Contains(t, res.Text(), "2026-03-01T09:30:00Z")
	})

	t.Run("should require exactly one timing field", func(t *testing.T) {
		f := setup(t)
		res := f.run("schedule_reminder", map[string]interface{}{"content": "x"})
		assert.False(t, res.Success)

		res = f.run("schedule_reminder", map[string]interface{}{"content": "x", "delay_seconds": 5.0, "cron": "* * * * *"})
		assert.False(t, res.Success)
		assert.Empty(t, f.scheduler.Pending())
	})

	t.Run("should accept a zero delay", func(t *testing.T) {
		f := setup(t)
		res := f.run("schedule_reminder", map[string]interface{}{"content": "now", "delay_seconds": 0.0})
		require.True(t, res.Success, res.Error)
		assert.Contains(t, res.Text(), "2026-03-01T09:00:00Z")
	})

	t.Run("should reject delays beyond the horizon", func(t *testing.T) {
		f := setup(t)
		res := f.run("schedule_reminder", map[string]interface{}{"content": "later", "delay_seconds": 1e18})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "delay_seconds exceeds")
		assert.NotContains(t, res.Error, "in the past")
		assert.Empty(t, f.scheduler.Pending())
	})

	t.Run("should reject timestamps in the past", func(t *testing.T) {
		f := setup(t)
		res := f.run("schedule_reminder", map[string]interface{}{"content": "late", "at": "2020-01-01T00:00:00Z"})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "in the past")
	})
}
