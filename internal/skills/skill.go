// Package skills matches free-text goals against recorded browser skills,
// compiles finished runs into bounded skill documents, and manages the
// on-disk skill library.
//
// A skill file is YAML frontmatter followed by the markdown document:
//
//	---
//	id: 2OFbQ1gdVfnROVhvjKnqPTvHeBv
//	name: submit-expense-report
//	description: Submit an expense report in the finance portal
//	tags: [finance, rpa]
//	---
//
//	# Submit expense report
//	...
package skills

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Skill is one library entry parsed from a SKILL.md file.
type Skill struct {
	// ID is a ksuid assigned when the skill is first saved.
	ID string `yaml:"id,omitempty"`

	// Name is the unique library key, also used as the directory slug.
	Name string `yaml:"name"`

	// Description is the one-line summary shown in listings.
	Description string `yaml:"description"`

	// Tags categorize the skill for search and the memory upload.
	Tags []string `yaml:"tags,omitempty"`

	// Source records how the skill came to exist: recorded, compiled, or
	// manual.
	Source string `yaml:"source,omitempty"`

	// Body is the markdown document, not part of the frontmatter.
	Body string `yaml:"-"`

	// FilePath is where the skill was loaded from.
	FilePath string `yaml:"-"`
}

// Validate checks the minimum viable skill definition.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("skill %q: description is required", s.Name)
	}
	return nil
}

// Render serializes the skill back into SKILL.md form.
func (s *Skill) Render() ([]byte, error) {
	front, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")
	buf.WriteString(s.Body)
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ParseSkillMD parses frontmatter-plus-body skill content.
func ParseSkillMD(data []byte) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var skill Skill
	if err := yaml.Unmarshal(front, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	skill.Body = string(bytes.TrimSpace(body))
	return &skill, nil
}

// splitFrontmatter separates the YAML block between --- markers from the
// markdown body. The opening marker must start the file.
func splitFrontmatter(data []byte) (front, body []byte, err error) {
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, nil, fmt.Errorf("skill file must start with --- frontmatter")
	}
	rest := trimMarkerLine(data[3:])

	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		end = bytes.Index(rest, []byte("\r\n---"))
		if end == -1 {
			return nil, nil, fmt.Errorf("skill file missing closing --- marker")
		}
	}
	front = rest[:end]
	body = trimMarkerLine(rest[end+4:])
	return front, body, nil
}

// trimMarkerLine drops the remainder of a --- marker line, tolerating
// trailing spaces and either newline convention.
func trimMarkerLine(b []byte) []byte {
	b = bytes.TrimLeft(b, " \t")
	if len(b) > 1 && b[0] == '\r' && b[1] == '\n' {
		return b[2:]
	}
	if len(b) > 0 && b[0] == '\n' {
		return b[1:]
	}
	return b
}
