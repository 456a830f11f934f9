package prompt

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	skillManifest  = "SKILL.md"
	skillExtension = ".skill"
)

// Skill is an instruction bundle the model can be pointed at.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
	Source      string `json:"source"`
}

type skillMetadata struct {
	Description string `yaml:"description"`
}

// LoadSkills scans dirs for skills: subdirectories holding a SKILL.md file
// and plain files ending in .skill. A skill found in a later directory
// replaces one with the same name from an earlier directory. Missing
// directories are skipped.
func LoadSkills(logger zerolog.Logger, dirs ...string) []Skill {
	byName := make(map[string]Skill)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.Debug().Str("dir", dir).Msg("Skill directory not found")
			} else {
				logger.Warn().Err(err).Str("dir", dir).Msg("Failed to read skill directory")
			}
			continue
		}

		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}

			var skill Skill
			switch {
			case entry.IsDir():
				manifest := filepath.Join(dir, entry.Name(), skillManifest)
				if _, err := os.Stat(manifest); err != nil {
					continue
				}
				skill = Skill{Name: entry.Name(), Path: filepath.Join(dir, entry.Name()), Source: dir}
				applyMetadata(logger, &skill, manifest)
			case strings.HasSuffix(entry.Name(), skillExtension):
				path := filepath.Join(dir, entry.Name())
				skill = Skill{Name: strings.TrimSuffix(entry.Name(), skillExtension), Path: path, Source: dir}
				applyMetadata(logger, &skill, path)
			default:
				continue
			}

			logger.Debug().Str("skill", skill.Name).Str("dir", dir).Msg("Skill loaded")
			byName[skill.Name] = skill
		}
	}

	skills := make([]Skill, 0, len(byName))
	for _, s := range byName {
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// applyMetadata fills the description from YAML frontmatter. The skill
// keeps its file-derived name.
func applyMetadata(logger zerolog.Logger, skill *Skill, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to read skill")
		return
	}

	fm, ok := extractFrontmatter(content)
	if !ok {
		return
	}

	var meta skillMetadata
	if err := yaml.Unmarshal(fm, &meta); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Invalid skill frontmatter")
		return
	}
	skill.Description = strings.TrimSpace(meta.Description)
}

// extractFrontmatter returns the YAML block between a leading "---" line
// and the next "---" line.
func extractFrontmatter(content []byte) ([]byte, bool) {
	trimmed := bytes.TrimLeft(content, " \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("---")) {
		return nil, false
	}

	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Scan() // opening delimiter

	var fm bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			return fm.Bytes(), true
		}
		fm.WriteString(line)
		fm.WriteByte('\n')
	}
	return nil, false
}
