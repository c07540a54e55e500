// Package skills loads agent skills from the workspace. A skill is a
// directory holding a SKILL.md file with optional YAML frontmatter;
// always-on skills go into the system prompt in full, the rest appear
// as a catalogue the agent can read on demand.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected filename inside each skill directory.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// Requires lists what must be present on the host for a skill to work.
type Requires struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
}

// Skill is one parsed skill.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Always      bool     `yaml:"always"`
	Requires    Requires `yaml:"requires"`

	Content string `yaml:"-"`
	Path    string `yaml:"-"`
}

// Eligible reports whether the skill's requirements are met: every
// required binary resolvable in PATH and every required env var set.
func (s *Skill) Eligible() (bool, string) {
	for _, bin := range s.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return false, fmt.Sprintf("missing binary %q", bin)
		}
	}
	for _, env := range s.Requires.Env {
		if _, ok := os.LookupEnv(env); !ok {
			return false, fmt.Sprintf("missing env %q", env)
		}
	}
	return true, ""
}

// ParseSkillFile reads and parses one SKILL.md. The directory name is
// the fallback skill name when the frontmatter omits one.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	skill, err := parseSkill(data)
	if err != nil {
		return nil, err
	}
	skill.Path = filepath.Dir(path)
	if skill.Name == "" {
		skill.Name = filepath.Base(skill.Path)
	}
	return skill, nil
}

// parseSkill splits optional frontmatter from the body. Content without
// a leading delimiter is all body.
func parseSkill(data []byte) (*Skill, error) {
	front, body, hasFront := splitFrontmatter(data)
	skill := &Skill{}
	if hasFront {
		if err := yaml.Unmarshal(front, skill); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
	}
	skill.Content = strings.TrimSpace(string(body))
	return skill, nil
}

func splitFrontmatter(data []byte) (front, body []byte, ok bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, data, false
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, data, false
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), true
}
