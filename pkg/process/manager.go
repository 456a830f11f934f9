// Package process runs shell commands, either to completion or as
// long-lived background sessions whose combined output is kept in a
// bounded buffer.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NotFoundLog is what GetLog returns for an unknown session.
const NotFoundLog = "Session not found"

// Session is one background shell process.
type Session struct {
	ID        string
	Command   string
	CreatedAt time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *outputBuffer

	// mu guards the exit state and is never held across blocking I/O.
	mu       sync.Mutex
	exited   bool
	exitCode int
	done     chan struct{}

	// writeMu serializes stdin writes so concurrent inputs do not interleave.
	writeMu sync.Mutex
}

// Summary describes a session for list output.
type Summary struct {
	ID       string        `json:"id"`
	PID      int           `json:"pid"`
	Command  string        `json:"command"`
	Age      time.Duration `json:"age"`
	Running  bool          `json:"running"`
	ExitCode *int          `json:"exitCode,omitempty"`
}

// Options tunes buffer bounding.
type Options struct {
	BufferLimit  int
	BufferRetain int
}

// Manager owns the background sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	logger   zerolog.Logger
}

// NewManager creates an empty multiplexer.
func NewManager(logger zerolog.Logger, opts Options) *Manager {
	observability.EnsureRegistered()

	if opts.BufferLimit <= 0 {
		opts.BufferLimit = DefaultBufferLimit
	}
	if opts.BufferRetain <= 0 {
		opts.BufferRetain = DefaultBufferRetain
	}

	return &Manager{
		sessions: make(map[string]*Session),
		opts:     opts,
		logger:   logger.With().Str("component", "process").Logger(),
	}
}

// Start launches command through the shell in cwd (the current directory
// when empty) and returns the session ID.
func (m *Manager) Start(command, cwd string) (string, error) {
	if command == "" {
		return "", ErrEmptyCommand
	}
	if cwd == "" {
		var err error
		if cwd, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}

	cmd := shellCommand(context.Background(), command)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	cmd.WaitDelay = time.Second
	isolate(cmd)

	out := newOutputBuffer(m.opts.BufferLimit, m.opts.BufferRetain)
	cmd.Stdout = out
	cmd.Stderr = out

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start command: %w", err)
	}

	s := &Session{
		ID:        gonanoid.MustGenerate(idAlphabet, 8),
		Command:   command,
		CreatedAt: time.Now(),
		cmd:       cmd,
		stdin:     stdin,
		output:    out,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	observability.RecordProcessStarted()
	observability.SetProcessSessions(count)

	m.logger.Info().
		Str("sessionId", s.ID).
		Int("pid", cmd.Process.Pid).
		Str("command", command).
		Msg("Background session started")

	go m.wait(s)

	return s.ID, nil
}

func (m *Manager) wait(s *Session) {
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.stdin.Close()
	s.mu.Unlock()

	s.output.WriteString(fmt.Sprintf("\n[Process exited with code %d]", code))
	close(s.done)

	m.logger.Info().Str("sessionId", s.ID).Int("exitCode", code).Msg("Background session exited")
}

func (m *Manager) get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetLog returns the buffered output of a session.
func (m *Manager) GetLog(id string) string {
	s, ok := m.get(id)
	if !ok {
		return NotFoundLog
	}
	return s.output.String()
}

// Write sends text to the session's stdin. It reports false when the
// session is unknown or has already exited.
func (m *Manager) Write(id, text string) bool {
	s, ok := m.get(id)
	if !ok {
		return false
	}

	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		return false
	}

	// A child that never reads stdin can block this write until it exits
	// or is killed; closing stdin on exit unblocks it.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.stdin, text); err != nil {
		m.logger.Debug().Str("sessionId", id).Err(err).Msg("Stdin write failed")
		return false
	}
	return true
}

// Kill terminates the session's process group and forgets the session.
// Unknown IDs are ignored.
func (m *Manager) Kill(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	observability.SetProcessSessions(count)

	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if !exited {
		if err := killTree(s.cmd); err != nil {
			m.logger.Warn().Str("sessionId", id).Err(err).Msg("Kill failed")
		}
	}

	m.logger.Info().Str("sessionId", id).Msg("Background session killed")
}

// List summarizes the tracked sessions, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	now := time.Now()
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		sum := Summary{
			ID:      s.ID,
			PID:     s.cmd.Process.Pid,
			Command: s.Command,
			Age:     now.Sub(s.CreatedAt),
		}
		s.mu.Lock()
		sum.Running = !s.exited
		if s.exited {
			code := s.exitCode
			sum.ExitCode = &code
		}
		s.mu.Unlock()
		out = append(out, sum)
	}
	return out
}

// Done returns a channel closed when the session's process exits.
func (m *Manager) Done(id string) (<-chan struct{}, bool) {
	s, ok := m.get(id)
	if !ok {
		return nil, false
	}
	return s.done, true
}

// Close kills every session.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Kill(id)
	}
}
