// Package skills loads skills/<name>/SKILL.md files: YAML frontmatter plus a
// Markdown instruction body, split at "---\n...\n---\n<body>".
package skills

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/duskward/automaton/internal/automaton/domain"
)

var nameRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

// frontmatter mirrors the recognized SKILL.md YAML fields.
type frontmatter struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AutoActivate bool     `yaml:"auto-activate"`
	Requires     requires `yaml:"requires"`
}

type requires struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
}

// LoadDir reads every skills/<name>/SKILL.md under dir and returns the
// parsed skills. A skill whose requires is unsatisfied is still returned,
// but with Enabled=false, so the agent can see it exists and repair the
// missing requirement.
func LoadDir(dir string) ([]domain.Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("skills: read dir %q: %w", dir, err)
	}

	var out []domain.Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "SKILL.md")
		sk, err := LoadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("skills: %s: %w", e.Name(), err)
		}
		out = append(out, sk)
	}
	return out, nil
}

// LoadFile parses one SKILL.md file.
func LoadFile(path string) (domain.Skill, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Skill{}, err
	}
	fm, body, err := Parse(string(raw))
	if err != nil {
		return domain.Skill{}, fmt.Errorf("parse %q: %w", path, err)
	}
	if !nameRE.MatchString(fm.Name) {
		return domain.Skill{}, fmt.Errorf("%q: invalid skill name %q", path, fm.Name)
	}

	sk := domain.Skill{
		Name:         fm.Name,
		Description:  fm.Description,
		Instructions: body,
		AutoActivate: fm.AutoActivate,
		Requires: domain.SkillRequires{
			Bins: fm.Requires.Bins,
			Env:  fm.Requires.Env,
		},
		Source:      path,
		InstalledAt: time.Now().UTC(),
		Enabled:     requirementsSatisfied(fm.Requires),
	}
	return sk, nil
}

// Parse splits "---\n<yaml>\n---\n<body>" into its frontmatter and body.
// A file with no leading "---" delimiter is treated as body-only with a
// zero-value frontmatter, matching how a hand-authored skill without a
// name would surface as a validation error further up the stack rather
// than silently here.
func Parse(content string) (frontmatter, string, error) {
	content = strings.TrimPrefix(content, "\uFEFF")
	if !strings.HasPrefix(content, "---") {
		return frontmatter{}, content, nil
	}

	rest := content[len("---"):]
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return frontmatter{}, "", fmt.Errorf("missing closing frontmatter delimiter")
	}
	yamlPart := rest[:idx]
	after := rest[idx+len("\n---"):]
	after = strings.TrimPrefix(after, "\n")

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(yamlPart), &fm); err != nil {
		return frontmatter{}, "", fmt.Errorf("frontmatter: %w", err)
	}
	return fm, after, nil
}

// Serialize re-renders a Skill back into SKILL.md form, the inverse of
// LoadFile, used by round-trip tests and by the agent when it authors a new
// skill for itself.
func Serialize(sk domain.Skill) string {
	fm := frontmatter{
		Name:         sk.Name,
		Description:  sk.Description,
		AutoActivate: sk.AutoActivate,
		Requires:     requires{Bins: sk.Requires.Bins, Env: sk.Requires.Env},
	}
	data, _ := yaml.Marshal(fm)
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(data)
	b.WriteString("---\n")
	b.WriteString(sk.Instructions)
	return b.String()
}

// requirementsSatisfied checks that every required binary resolves on PATH
// and every required env var is set and non-empty.
func requirementsSatisfied(r requires) bool {
	for _, bin := range r.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	for _, env := range r.Env {
		if os.Getenv(env) == "" {
			return false
		}
	}
	return true
}
