package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/duskward/automaton/internal/automaton/domain"
)

const sampleSkill = `---
name: weather
description: Fetch weather reports
auto-activate: true
requires:
  bins:
    - sh
  env: []
---
Call the weather API with the city name.
Report temperature in Celsius.
`

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func TestLoadDirParsesFrontmatterAndBody(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "weather", sampleSkill)

	loaded, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("skills = %d, want 1", len(loaded))
	}
	sk := loaded[0]
	if sk.Name != "weather" || sk.Description != "Fetch weather reports" {
		t.Fatalf("frontmatter not parsed: %+v", sk)
	}
	if !sk.AutoActivate {
		t.Fatalf("auto-activate not parsed")
	}
	if !sk.Enabled {
		t.Fatalf("skill requiring only sh should be enabled")
	}
	if sk.Instructions == "" || sk.Instructions[:4] != "Call" {
		t.Fatalf("body not preserved: %q", sk.Instructions)
	}
}

func TestUnsatisfiedRequirementsLoadDisabled(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "exotic", `---
name: exotic
requires:
  bins:
    - definitely-not-a-real-binary-name
---
Body.
`)

	loaded, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("unsatisfied skills must still load; got %d", len(loaded))
	}
	if loaded[0].Enabled {
		t.Fatalf("skill with a missing binary must load disabled")
	}
}

func TestInvalidSkillNameRejected(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "bad", "---\nname: Bad Name!\n---\nBody.\n")

	if _, err := LoadDir(dir); err == nil {
		t.Fatalf("names outside [a-z0-9_-]+ must be rejected")
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	original := domain.Skill{
		Name:         "deploy",
		Description:  "Ship builds",
		Instructions: "Run the deploy script.\nVerify the health endpoint.",
		AutoActivate: true,
		Requires:     domain.SkillRequires{Bins: []string{"git"}, Env: []string{"DEPLOY_TOKEN"}},
	}

	fm, body, err := Parse(Serialize(original))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fm.Name != original.Name || fm.Description != original.Description || fm.AutoActivate != original.AutoActivate {
		t.Fatalf("frontmatter fields not preserved: %+v", fm)
	}
	if len(fm.Requires.Bins) != 1 || fm.Requires.Bins[0] != "git" {
		t.Fatalf("requires.bins not preserved: %+v", fm.Requires)
	}
	if len(fm.Requires.Env) != 1 || fm.Requires.Env[0] != "DEPLOY_TOKEN" {
		t.Fatalf("requires.env not preserved: %+v", fm.Requires)
	}
	if body != original.Instructions {
		t.Fatalf("body changed in round trip: %q != %q", body, original.Instructions)
	}
}

func TestParseWithoutFrontmatterIsBodyOnly(t *testing.T) {
	fm, body, err := Parse("Just a body.\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fm.Name != "" {
		t.Fatalf("expected zero-value frontmatter, got %+v", fm)
	}
	if body != "Just a body.\n" {
		t.Fatalf("body = %q", body)
	}
}
