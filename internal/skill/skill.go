// Package skill parses a skill manifest: YAML frontmatter declaring name,
// version, trust level, and required capabilities, followed by a body the
// interpreter compiles into a Program. Grounded on the teacher's
// frontmatter-plus-body manifest format, extended with the fields the
// executor's trust ceiling and capability assembly need.
package skill

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is one parsed manifest.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`

	// TrustLevel, if declared, is the skill author's own claim; the
	// executor still applies the requester's ceiling on top of it (§4.6).
	TrustLevel string `yaml:"trust_level"`

	// Capabilities names the capability tags this skill's body is
	// expected to use (e.g. "fs.read", "shell", "fetch", "llm").
	// trust.InferLevel maps these tags to a level; the forbidden-construct
	// sweep in Parse is a separate check that does not consult them.
	Capabilities []string `yaml:"capabilities"`

	InputSchema  map[string]any `yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty"`

	Tags []string `yaml:"tags"`

	Body string `yaml:"-"`
}

// forbiddenConstructs are source-level patterns that indicate an attempt to
// escape the capability-table sandbox via reflection, dynamic code
// generation, or prototype pollution, regardless of what the manifest
// declares. The Open Question in §9 resolves trust inference through the
// declared Capabilities field; this sweep is a second, independent check
// that runs at load time and refuses the manifest outright rather than
// silently downgrading its trust level.
var forbiddenConstructs = []*regexp.Regexp{
	regexp.MustCompile(`eval\(`),
	regexp.MustCompile(`Function\(`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`require\(`),
	regexp.MustCompile(`import\(`),
	regexp.MustCompile(`constructor`),
}

// ForbiddenConstruct reports the first forbidden pattern found in the
// skill body, or "" if none.
func (s *Skill) ForbiddenConstruct() string {
	for _, p := range forbiddenConstructs {
		if p.MatchString(s.Body) {
			return p.String()
		}
	}
	return ""
}

func Load(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	return Parse(string(data))
}

func Parse(content string) (*Skill, error) {
	front, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var s Skill
	if err := yaml.Unmarshal([]byte(front), &s); err != nil {
		return nil, fmt.Errorf("parse skill frontmatter: %w", err)
	}
	s.Body = body

	if c := s.ForbiddenConstruct(); c != "" {
		return nil, fmt.Errorf("skill body contains forbidden construct: %s", c)
	}
	return &s, nil
}

func splitFrontmatter(content string) (front, body string, err error) {
	const fence = "---"
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, fence) {
		return "", "", fmt.Errorf("skill file must start with ---")
	}

	rest := trimmed[len(fence):]
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return "", "", fmt.Errorf("no closing --- found in skill frontmatter")
	}

	front = strings.TrimSpace(rest[:idx])
	afterClose := rest[idx+1+len(fence):]
	if nl := strings.IndexByte(afterClose, '\n'); nl >= 0 {
		body = afterClose[nl+1:]
	} else {
		body = ""
	}
	return front, body, nil
}
