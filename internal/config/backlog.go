package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// BacklogFile models backlog.yml, the authoring view of the backlog.
type BacklogFile struct {
	Items []BacklogItem `yaml:"items"`
}

type BacklogItem struct {
	Slug        string   `yaml:"slug"`
	Group       string   `yaml:"group,omitempty"`
	Description string   `yaml:"description,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
}

// ValidSlug reports whether s can name a work item.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Validate checks slugs are well formed and unique. Dependencies may name
// items outside the file; cycles are checked against the stored graph.
func (b *BacklogFile) Validate() error {
	seen := map[string]bool{}
	for i, it := range b.Items {
		if !ValidSlug(it.Slug) {
			return fmt.Errorf("items[%d]: invalid slug %q", i, it.Slug)
		}
		if seen[it.Slug] {
			return fmt.Errorf("items[%d]: duplicate slug %s", i, it.Slug)
		}
		seen[it.Slug] = true
		for _, dep := range it.DependsOn {
			if dep == it.Slug {
				return fmt.Errorf("item %s depends on itself", it.Slug)
			}
			if !ValidSlug(dep) {
				return fmt.Errorf("item %s: invalid dependency %q", it.Slug, dep)
			}
		}
	}
	return nil
}

// ParseBacklog decodes and validates backlog YAML.
func ParseBacklog(data []byte) (*BacklogFile, error) {
	var b BacklogFile
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("invalid backlog yaml: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func LoadBacklog(path string) (*BacklogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBacklog(data)
}
