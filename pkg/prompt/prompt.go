// Package prompt assembles the system prompt from the configured base
// prompt, the workspace's MEMORY.md and the available skills.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultBasePrompt is used when no base prompt is configured.
const DefaultBasePrompt = "You are a helpful assistant with access to a shell. Use tools when they help answer the user."

const memoryFile = "MEMORY.md"

// Options configures a Builder.
type Options struct {
	WorkspaceDir string
	BasePrompt   string

	// SkillDirs are scanned in order; later entries win on name clashes.
	SkillDirs []string

	Logger zerolog.Logger
}

// Builder renders the system prompt. Files are re-read on every call so
// edits to MEMORY.md or the skills directory apply to the next turn.
type Builder struct {
	workspaceDir string
	basePrompt   string
	skillDirs    []string
	logger       zerolog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(opts Options) *Builder {
	base := opts.BasePrompt
	if strings.TrimSpace(base) == "" {
		base = DefaultBasePrompt
	}
	return &Builder{
		workspaceDir: opts.WorkspaceDir,
		basePrompt:   base,
		skillDirs:    opts.SkillDirs,
		logger:       opts.Logger.With().Str("component", "prompt").Logger(),
	}
}

// SystemPrompt returns the base prompt followed by the long-term memory
// section and the skills section, each only when there is something to show.
func (b *Builder) SystemPrompt() (string, error) {
	var sb strings.Builder
	sb.WriteString(b.basePrompt)

	if memory, ok := b.readMemory(); ok {
		sb.WriteString("\n\n## Long-Term Memory (MEMORY.md)\n")
		sb.WriteString(memory)
	}

	if skills := LoadSkills(b.logger, b.skillDirs...); len(skills) > 0 {
		sb.WriteString("\n\n## Skills\n")
		sb.WriteString("Read a skill's files before following it.\n")
		for _, s := range skills {
			if s.Description != "" {
				fmt.Fprintf(&sb, "- %s: %s (%s)\n", s.Name, s.Description, s.Path)
			} else {
				fmt.Fprintf(&sb, "- %s (%s)\n", s.Name, s.Path)
			}
		}
	}

	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *Builder) readMemory() (string, bool) {
	if b.workspaceDir == "" {
		return "", false
	}

	path := filepath.Join(b.workspaceDir, memoryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			b.logger.Warn().Err(err).Str("path", path).Msg("Failed to read MEMORY.md")
		}
		return "", false
	}
	return string(data), true
}
