package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/llm"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	fileExt = ".jsonl"

	// maxRecordSize bounds a single JSONL line read back by Load. Longer
	// records are skipped, not fatal.
	maxRecordSize = 8 * 1024 * 1024
)

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeID maps a session ID onto the restricted storage alphabet.
func SanitizeID(sessionID string) string {
	return unsafeIDChars.ReplaceAllString(sessionID, "_")
}

// Manager reads and writes session logs under one directory.
type Manager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.Mutex
}

// New returns a Manager rooted at sessionsDir. The directory is created on
// first write.
func New(sessionsDir string) *Manager {
	observability.EnsureRegistered()

	return &Manager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}
}

// Dir returns the storage directory.
func (m *Manager) Dir() string {
	return m.sessionsDir
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.sessionsDir, key+fileExt)
}

func (m *Manager) writeLock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.writeLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.writeLocks[key] = lock
	}
	return lock
}

func (m *Manager) ensureDir() error {
	if err := os.MkdirAll(m.sessionsDir, 0700); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return nil
}

func startSpan(ctx context.Context, name, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	attrs = append(attrs, attribute.String("session_key", key))
	return tracing.StartSpan(ctx, "clawgate.session", name, attrs...)
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append adds msg at the end of the session log, creating the log if needed.
func (m *Manager) Append(ctx context.Context, sessionID string, msg llm.Message) (err error) {
	key := SanitizeID(sessionID)
	ctx, span := startSpan(ctx, "session.append", key, attribute.String("role", string(msg.Role)))
	defer span.End()
	defer func() { observability.RecordSessionOp("append", err) }()

	if err := msg.Validate(); err != nil {
		return failSpan(span, err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to marshal message: %w", err))
	}

	lock := m.writeLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := m.ensureDir(); err != nil {
		return failSpan(span, err)
	}

	file, err := os.OpenFile(m.path(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to open session file: %w", err))
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return failSpan(span, fmt.Errorf("failed to write message: %w", err))
	}
	if err := file.Sync(); err != nil {
		return failSpan(span, fmt.Errorf("failed to sync session file: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("role", string(msg.Role)).
		Int("bytes", len(data)).
		Msg("Message appended")

	return nil
}

// Save atomically replaces the session log with msgs. If the current log
// starts with a system message and msgs does not, that system message is
// kept at the front.
func (m *Manager) Save(ctx context.Context, sessionID string, msgs []llm.Message) (err error) {
	key := SanitizeID(sessionID)
	ctx, span := startSpan(ctx, "session.save", key, attribute.Int("messages", len(msgs)))
	defer span.End()
	defer func() { observability.RecordSessionOp("save", err) }()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	lock := m.writeLock(key)
	lock.Lock()
	defer lock.Unlock()

	if len(msgs) == 0 || msgs[0].Role != llm.RoleSystem {
		if head, ok := m.leadingSystem(key); ok {
			msgs = append([]llm.Message{head}, msgs...)
		}
	}

	var buf strings.Builder
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return failSpan(span, fmt.Errorf("message %d: %w", i, err))
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return failSpan(span, fmt.Errorf("failed to marshal message %d: %w", i, err))
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := m.ensureDir(); err != nil {
		return failSpan(span, err)
	}

	tmp, err := os.CreateTemp(m.sessionsDir, key+".*.tmp")
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(buf.String()); err != nil {
		tmp.Close()
		return failSpan(span, fmt.Errorf("failed to write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return failSpan(span, fmt.Errorf("failed to sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return failSpan(span, fmt.Errorf("failed to close temp file: %w", err))
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return failSpan(span, fmt.Errorf("failed to chmod temp file: %w", err))
	}
	if err := os.Rename(tmpPath, m.path(key)); err != nil {
		return failSpan(span, fmt.Errorf("failed to replace session file: %w", err))
	}

	logger.Debug().Int("messages", len(msgs)).Msg("Session rewritten")
	return nil
}

// leadingSystem returns the first record of the stored log when it is a
// valid system message. Callers hold the session's write lock.
func (m *Manager) leadingSystem(key string) (llm.Message, bool) {
	file, err := os.Open(m.path(key))
	if err != nil {
		return llm.Message{}, false
	}
	defer file.Close()

	var (
		head  llm.Message
		found bool
	)
	_ = scanRecords(file, func(_ int, line []byte, oversized bool) bool {
		if oversized {
			return false
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return false
		}
		found = head.Role == llm.RoleSystem && head.Validate() == nil
		return false
	})
	return head, found
}

// scanRecords calls fn for every non-blank line of r with its 1-based line
// number. Lines longer than maxRecordSize are drained without buffering and
// reported with oversized set and a nil line. Scanning stops when fn
// returns false.
func scanRecords(r io.Reader, fn func(lineNum int, line []byte, oversized bool) bool) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	lineNum := 0
	for {
		line, oversized, err := readRecord(reader)
		if len(line) > 0 || oversized {
			lineNum++
			trimmed := bytes.TrimSpace(line)
			if (len(trimmed) > 0 || oversized) && !fn(lineNum, trimmed, oversized) {
				return nil
			}
		} else if err == nil {
			lineNum++
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// readRecord reads one newline-terminated record. Once a record grows past
// maxRecordSize the rest of it is discarded and oversized is returned.
func readRecord(reader *bufio.Reader) (line []byte, oversized bool, err error) {
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if !oversized {
			if len(line)+len(chunk) > maxRecordSize {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err != nil || !isPrefix {
			if oversized {
				line = nil
			}
			return line, oversized, err
		}
	}
}

// Load returns the session's messages in append order. A missing session
// yields an empty slice; corrupt lines are skipped with a warning.
func (m *Manager) Load(ctx context.Context, sessionID string) (msgs []llm.Message, err error) {
	key := SanitizeID(sessionID)
	ctx, span := startSpan(ctx, "session.load", key)
	defer span.End()
	defer func() { observability.RecordSessionOp("load", err) }()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	skipped := 0
	defer func() { observability.RecordSessionLoad(time.Since(start), skipped) }()

	file, err := os.Open(m.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []llm.Message{}, nil
		}
		return nil, failSpan(span, fmt.Errorf("failed to open session file: %w", err))
	}
	defer file.Close()

	msgs = []llm.Message{}
	readErr := scanRecords(file, func(lineNum int, line []byte, oversized bool) bool {
		if oversized {
			skipped++
			logger.Warn().Int("line", lineNum).Int("limit", maxRecordSize).Msg("Record exceeds size limit, skipping")
			return true
		}

		var msg llm.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			skipped++
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			return true
		}
		if err := msg.Validate(); err != nil {
			skipped++
			logger.Warn().Int("line", lineNum).Err(err).Msg("Invalid message, skipping")
			return true
		}
		msgs = append(msgs, msg)
		return true
	})
	if readErr != nil {
		return nil, failSpan(span, fmt.Errorf("failed to read session file: %w", readErr))
	}

	span.SetAttributes(attribute.Int("messages", len(msgs)), attribute.Int("skipped", skipped))
	logger.Debug().Int("messages", len(msgs)).Int("skipped", skipped).Msg("Session loaded")

	return msgs, nil
}

// List returns the stored session keys in lexical order.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	keys := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(keys)
	return keys, nil
}
