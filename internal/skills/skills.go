// Package skills discovers Markdown skill files in the project skills
// directory.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is one discovered Markdown skill.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
	Content     string `json:"content,omitempty"`
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Discover lists the skills in dir. A missing directory yields an empty
// list. Each file's name defaults to its basename; an optional YAML
// frontmatter block may override name and description, otherwise the first
// paragraph after the # title is the description.
func Discover(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills directory: %w", err)
	}

	var skills []Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read skill %s: %w", entry.Name(), err)
		}
		skill := Parse(string(data))
		if skill.Name == "" {
			skill.Name = strings.TrimSuffix(entry.Name(), ".md")
		}
		skill.Path = path
		skill.Content = ""
		skills = append(skills, skill)
	}
	return skills, nil
}

// Read loads one skill by name. The name is restricted to letters, digits,
// hyphen, and underscore; anything else, including path separators, is
// rejected.
func Read(dir, name string) (*Skill, error) {
	if !validName(name) {
		return nil, fmt.Errorf("invalid skill name %q", name)
	}
	path := filepath.Join(dir, name+".md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", name, err)
	}
	skill := Parse(string(data))
	if skill.Name == "" {
		skill.Name = name
	}
	skill.Path = path
	return &skill, nil
}

// Parse extracts the name and description from skill Markdown. Content is
// the full source text.
func Parse(source string) Skill {
	skill := Skill{Content: source}
	body := source

	if strings.HasPrefix(source, "---\n") {
		if end := strings.Index(source[4:], "\n---"); end >= 0 {
			var fm frontmatter
			if yaml.Unmarshal([]byte(source[4:4+end]), &fm) == nil {
				skill.Name = fm.Name
				skill.Description = fm.Description
			}
			body = source[4+end+4:]
		}
	}

	titleSeen := false
	var para []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if !titleSeen {
			if strings.HasPrefix(trimmed, "# ") {
				if skill.Name == "" {
					skill.Name = strings.TrimSpace(trimmed[2:])
				}
				titleSeen = true
			}
			continue
		}
		if trimmed == "" {
			if len(para) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			break
		}
		para = append(para, trimmed)
	}
	if skill.Description == "" {
		skill.Description = strings.Join(para, " ")
	}
	return skill
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
