package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, dir, name, content string) string {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(skillDir, SkillFilename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	return path
}

func TestParseSkillFile_Frontmatter(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "github", `---
name: github
description: Work with GitHub issues and PRs.
always: false
requires:
  bins: [gh]
  env: [GITHUB_TOKEN]
---

Use the gh CLI for everything.
`)

	skill, err := ParseSkillFile(path)
	if err != nil {
		t.Fatalf("ParseSkillFile: %v", err)
	}
	if skill.Name != "github" {
		t.Errorf("Name = %q, want github", skill.Name)
	}
	if skill.Description != "Work with GitHub issues and PRs." {
		t.Errorf("Description = %q", skill.Description)
	}
	if skill.Always {
		t.Error("Always = true, want false")
	}
	if len(skill.Requires.Bins) != 1 || skill.Requires.Bins[0] != "gh" {
		t.Errorf("Requires.Bins = %v", skill.Requires.Bins)
	}
	if len(skill.Requires.Env) != 1 || skill.Requires.Env[0] != "GITHUB_TOKEN" {
		t.Errorf("Requires.Env = %v", skill.Requires.Env)
	}
	if !strings.Contains(skill.Content, "gh CLI") {
		t.Errorf("Content = %q", skill.Content)
	}
	if strings.Contains(skill.Content, "description:") {
		t.Errorf("frontmatter leaked into content: %q", skill.Content)
	}
	if skill.Path != filepath.Dir(path) {
		t.Errorf("Path = %q, want %q", skill.Path, filepath.Dir(path))
	}
}

func TestParseSkillFile_NoFrontmatter(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "notes", "Just a plain markdown skill.\n")

	skill, err := ParseSkillFile(path)
	if err != nil {
		t.Fatalf("ParseSkillFile: %v", err)
	}
	if skill.Name != "notes" {
		t.Errorf("Name = %q, want directory fallback notes", skill.Name)
	}
	if !strings.Contains(skill.Content, "plain markdown") {
		t.Errorf("Content = %q", skill.Content)
	}
}

func TestParseSkillFile_UnclosedFrontmatter(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "draft", "---\nname: broken\nno closing delimiter\n")

	skill, err := ParseSkillFile(path)
	if err != nil {
		t.Fatalf("ParseSkillFile: %v", err)
	}
	if skill.Name != "draft" {
		t.Errorf("Name = %q, want directory fallback draft", skill.Name)
	}
	if !strings.Contains(skill.Content, "no closing delimiter") {
		t.Errorf("Content = %q, want full file as body", skill.Content)
	}
}

func TestParseSkillFile_BadFrontmatter(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "bad", "---\nname: [unclosed\n---\nbody\n")

	if _, err := ParseSkillFile(path); err == nil {
		t.Fatal("expected error for invalid frontmatter yaml")
	}
}

func TestEligible(t *testing.T) {
	if ok, _ := (&Skill{}).Eligible(); !ok {
		t.Error("skill with no requirements should be eligible")
	}

	if ok, _ := (&Skill{Requires: Requires{Bins: []string{"sh"}}}).Eligible(); !ok {
		t.Error("present binary should satisfy requirement")
	}

	ok, reason := (&Skill{Requires: Requires{Bins: []string{"definitely-not-installed-xyz"}}}).Eligible()
	if ok {
		t.Error("missing binary should make skill ineligible")
	}
	if !strings.Contains(reason, "missing binary") {
		t.Errorf("reason = %q", reason)
	}

	t.Setenv("SKILL_TEST_TOKEN", "1")
	if ok, _ := (&Skill{Requires: Requires{Env: []string{"SKILL_TEST_TOKEN"}}}).Eligible(); !ok {
		t.Error("set env var should satisfy requirement")
	}

	ok, reason = (&Skill{Requires: Requires{Env: []string{"SKILL_TEST_UNSET_VAR"}}}).Eligible()
	if ok {
		t.Error("unset env var should make skill ineligible")
	}
	if !strings.Contains(reason, "missing env") {
		t.Errorf("reason = %q", reason)
	}
}
