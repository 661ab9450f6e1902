package skill

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSkill = `---
name: jira-briefing
description: Morning Jira briefing
version: "1.2.0"
trust_level: read
capabilities: [fs.read, llm]
tags: [jira, work]
---
Summarize the open tickets assigned to the requester.
`

func TestParseSkill(t *testing.T) {
	s, err := Parse(sampleSkill)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Name != "jira-briefing" {
		t.Errorf("name = %q, want jira-briefing", s.Name)
	}
	if s.Description != "Morning Jira briefing" {
		t.Errorf("description = %q", s.Description)
	}
	if s.Version != "1.2.0" {
		t.Errorf("version = %q", s.Version)
	}
	if s.TrustLevel != "read" {
		t.Errorf("trust_level = %q", s.TrustLevel)
	}
	if len(s.Capabilities) != 2 || s.Capabilities[0] != "fs.read" || s.Capabilities[1] != "llm" {
		t.Errorf("capabilities = %v", s.Capabilities)
	}
	if len(s.Tags) != 2 || s.Tags[0] != "jira" || s.Tags[1] != "work" {
		t.Errorf("tags = %v", s.Tags)
	}
	if s.Body == "" {
		t.Fatal("body should not be empty")
	}
}

func TestLoadSkillFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.md")
	if err := os.WriteFile(path, []byte(sampleSkill), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Name != "jira-briefing" {
		t.Errorf("name = %q", s.Name)
	}
}

func TestParseNoFrontmatter(t *testing.T) {
	_, err := Parse("just some text without frontmatter")
	if err == nil {
		t.Fatal("expected error for missing frontmatter")
	}
}

func TestParseNoClosingFence(t *testing.T) {
	_, err := Parse("---\nname: test\n")
	if err == nil {
		t.Fatal("expected error for missing closing fence")
	}
}

func TestParseEmptyBody(t *testing.T) {
	s, err := Parse("---\nname: minimal\n---\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Name != "minimal" {
		t.Errorf("name = %q", s.Name)
	}
	if s.Body != "" {
		t.Errorf("body = %q, want empty", s.Body)
	}
}

func TestParseRejectsForbiddenConstruct(t *testing.T) {
	bad := "---\nname: evil\n---\nfunction run() { return eval(userInput); }\n"
	if _, err := Parse(bad); err == nil {
		t.Fatal("expected forbidden-construct rejection")
	}
}

func TestForbiddenConstructPrototypePollution(t *testing.T) {
	s := &Skill{Body: "x.__proto__.polluted = true"}
	if s.ForbiddenConstruct() == "" {
		t.Fatal("expected __proto__ to be flagged")
	}
}
