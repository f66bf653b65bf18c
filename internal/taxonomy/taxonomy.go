// Package taxonomy embeds the category and tag reference used to constrain
// AI analysis output. Database rows remain the source of canonical ids; this
// seed only feeds the prompt and the schema vocabulary.
package taxonomy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var seed []byte

// Category is one top-level topic with a machine code and Russian
// subcategory names.
type Category struct {
	Code          string   `yaml:"code"`
	Name          string   `yaml:"name"`
	Subcategories []string `yaml:"subcategories"`
}

// Taxonomy is the parsed reference.
type Taxonomy struct {
	Categories []Category          `yaml:"categories"`
	Tags       map[string][]string `yaml:"tags"`
}

var (
	once   sync.Once
	loaded Taxonomy
	ldErr  error
)

// Load parses the embedded seed once and returns it.
func Load() (Taxonomy, error) {
	once.Do(func() {
		if err := yaml.Unmarshal(seed, &loaded); err != nil {
			ldErr = fmt.Errorf("op=taxonomy.load: %w", err)
		}
	})
	return loaded, ldErr
}

// CategoryCodes returns all top-level codes.
func (t Taxonomy) CategoryCodes() []string {
	out := make([]string, 0, len(t.Categories))
	for _, c := range t.Categories {
		out = append(out, c.Code)
	}
	return out
}

// SubcategoryNames returns all subcategory names across categories.
func (t Taxonomy) SubcategoryNames() []string {
	var out []string
	for _, c := range t.Categories {
		out = append(out, c.Subcategories...)
	}
	return out
}

// TagNames returns all tag names across groups.
func (t Taxonomy) TagNames() []string {
	var out []string
	for _, tags := range t.Tags {
		out = append(out, tags...)
	}
	sort.Strings(out)
	return out
}

// CategoriesForPrompt renders the category reference as prompt text:
// one line per category with its code, Russian name and subcategories.
func (t Taxonomy) CategoriesForPrompt() string {
	var sb strings.Builder
	for _, c := range t.Categories {
		sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", c.Code, c.Name, strings.Join(c.Subcategories, ", ")))
	}
	return sb.String()
}

// TagsForPrompt renders the tag reference grouped by tag group.
func (t Taxonomy) TagsForPrompt() string {
	groups := make([]string, 0, len(t.Tags))
	for g := range t.Tags {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	var sb strings.Builder
	for _, g := range groups {
		sb.WriteString(fmt.Sprintf("[%s]\n%s\n", g, strings.Join(t.Tags[g], ", ")))
	}
	return sb.String()
}
