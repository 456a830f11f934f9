package process

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(zerolog.New(os.Stdout).Level(zerolog.ErrorLevel), Options{})
	t.Cleanup(m.Close)
	return m
}

func waitExit(t *testing.T, m *Manager, id string) {
	t.Helper()
	done, ok := m.Done(id)
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not exit", id)
	}
}

func TestManager_Start(t *testing.T) {
	t.Run("should capture output and append the exit marker", func(t *testing.T) {
		m := newTestManager(t)

		id, err := m.Start("echo Hello World", "")
		require.NoError(t, err)
		waitExit(t, m, id)

		log := m.GetLog(id)
		assert.Contains(t, log, "Hello World")
		assert.True(t, strings.HasSuffix(log, "\n[Process exited with code 0]"))
	})

	t.Run("should interleave stderr into the same buffer", func(t *testing.T) {
		m := newTestManager(t)

		id, err := m.Start("echo out; echo err 1>&2; exit 3", "")
		require.NoError(t, err)
		waitExit(t, m, id)

		log := m.GetLog(id)
		assert.Contains(t, log, "out")
		assert.Contains(t, log, "err")
		assert.Contains(t, log, "[Process exited with code 3]")
	})

	t.Run("should keep the session after natural exit", func(t *testing.T) {
		m := newTestManager(t)

		id, err := m.Start("true", "")
		require.NoError(t, err)
		waitExit(t, m, id)

		list := m.List()
		require.Len(t, list, 1)
		assert.Equal(t, id, list[0].ID)
		assert.False(t, list[0].Running)
		require.NotNil(t, list[0].ExitCode)
		assert.Equal(t, 0, *list[0].ExitCode)
	})

	t.Run("should run in the requested directory", func(t *testing.T) {
		m := newTestManager(t)
		dir := t.TempDir()

		id, err := m.Start("pwd", dir)
		require.NoError(t, err)
		waitExit(t, m, id)

		resolved, err := os.Readlink(dir)
		if err != nil {
			resolved = dir
		}
		log := m.GetLog(id)
		assert.True(t, strings.Contains(log, dir) || strings.Contains(log, resolved), log)
	})

	t.Run("should reject an empty command", func(t *testing.T) {
		m := newTestManager(t)

		_, err := m.Start("", "")
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})
}

func TestManager_Write(t *testing.T) {
	t.Run("should forward input to stdin", func(t *testing.T) {
		m := newTestManager(t)

		id, err := m.Start("cat", "")
		require.NoError(t, err)

		assert.True(t, m.Write(id, "ping from stdin\n"))
		assert.Eventually(t, func() bool {
			return strings.Contains(m.GetLog(id), "ping from stdin")
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("should fail for unknown sessions", func(t *testing.T) {
		m := newTestManager(t)
		assert.False(t, m.Write("missing", "x"))
	})

	t.Run("should fail once the process has exited", func(t *testing.T) {
		m := newTestManager(t)

		id, err := m.Start("exit 0", "")
		require.NoError(t, err)
		waitExit(t, m, id)

		assert.False(t, m.Write(id, "too late\n"))
	})
}

func TestManager_WriteBlockedByFullPipe(t *testing.T) {
	m := newTestManager(t)

	id, err := m.Start("sleep 30", "")
	require.NoError(t, err)
	done, ok := m.Done(id)
	require.True(t, ok)

	written := make(chan bool, 1)
	go func() { written <- m.Write(id, strings.Repeat("x", 1<<20)) }()

	listed := make(chan []Summary, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		listed <- m.List()
	}()
	select {
	case list := <-listed:
		require.Len(t, list, 1)
		assert.True(t, list[0].Running)
	case <-time.After(2 * time.Second):
		t.Fatal("List blocked behind a pending stdin write")
	}

	killed := make(chan struct{})
	go func() {
		m.Kill(id)
		close(killed)
	}()
	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("Kill blocked behind a pending stdin write")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not signalled")
	}
	select {
	case ok := <-written:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stdin write never returned")
	}
}

func TestManager_Kill(t *testing.T) {
	m := newTestManager(t)

	id, err := m.Start("sleep 30", "")
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Running)
	assert.Greater(t, list[0].PID, 0)

	m.Kill(id)

	assert.Empty(t, m.List())
	assert.Equal(t, NotFoundLog, m.GetLog(id))
	assert.False(t, m.Write(id, "x"))

	assert.NotPanics(t, func() { m.Kill(id) })
}

func TestManager_GetLogUnknown(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, "Session not found", m.GetLog("nope"))
}

func TestManager_ListOrder(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Start("sleep 30", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := m.Start("sleep 30", "")
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
	assert.GreaterOrEqual(t, list[0].Age, list[1].Age)
}
