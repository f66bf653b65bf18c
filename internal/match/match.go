package match

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// Matcher resolves insight categories and tags against the DB taxonomy and
// replaces the blog's join rows.
type Matcher struct {
	Taxonomy domain.TaxonomyRepository
}

// New constructs a Matcher over the taxonomy repository.
func New(taxonomy domain.TaxonomyRepository) *Matcher {
	return &Matcher{Taxonomy: taxonomy}
}

// CategoryIndex maps resolvable keys to category ids: the machine code of
// top-level categories plus the lowercase name of every category.
func CategoryIndex(cats []domain.Category) map[string]string {
	idx := make(map[string]string, len(cats)*2)
	for _, c := range cats {
		if c.ParentID == nil && c.Code != "" {
			idx[c.Code] = c.ID
		}
		idx[strings.ToLower(c.Name)] = c.ID
	}
	return idx
}

// TagIndex maps lowercase tag names to tag ids.
func TagIndex(tags []domain.Tag) map[string]string {
	idx := make(map[string]string, len(tags))
	for _, t := range tags {
		idx[strings.ToLower(t.Name)] = t.ID
	}
	return idx
}

// Apply resolves the insight vocabulary and replaces the blog's category and
// tag rows. The first resolvable primary category is marked primary;
// duplicates collapse; unresolved strings are logged and skipped.
func (m *Matcher) Apply(ctx domain.Context, blogID string, ins domain.AIInsights) error {
	cats, err := m.Taxonomy.Categories(ctx)
	if err != nil {
		return fmt.Errorf("op=match.apply: %w", err)
	}
	tags, err := m.Taxonomy.ActiveTags(ctx)
	if err != nil {
		return fmt.Errorf("op=match.apply: %w", err)
	}
	catIdx := CategoryIndex(cats)
	tagIdx := TagIndex(tags)

	seen := map[string]bool{}
	var catRows []domain.BlogCategory
	primarySet := false
	for _, code := range ins.Content.PrimaryCategories {
		id, ok := Lookup(code, catIdx, DefaultCutoff)
		if !ok {
			slog.Warn("unresolved primary category",
				slog.String("blog_id", blogID), slog.String("value", code))
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		catRows = append(catRows, domain.BlogCategory{BlogID: blogID, CategoryID: id, IsPrimary: !primarySet})
		primarySet = true
	}
	for _, name := range ins.Content.SecondaryTopics {
		id, ok := Lookup(name, catIdx, DefaultCutoff)
		if !ok {
			slog.Warn("unresolved secondary topic",
				slog.String("blog_id", blogID), slog.String("value", name))
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		catRows = append(catRows, domain.BlogCategory{BlogID: blogID, CategoryID: id})
	}
	if err := m.Taxonomy.ReplaceBlogCategories(ctx, blogID, catRows); err != nil {
		return fmt.Errorf("op=match.apply: %w", err)
	}

	seenTags := map[string]bool{}
	var tagRows []domain.BlogTag
	for _, name := range ins.Tags {
		id, ok := Lookup(name, tagIdx, DefaultCutoff)
		if !ok {
			slog.Warn("unresolved tag",
				slog.String("blog_id", blogID), slog.String("value", name))
			continue
		}
		if seenTags[id] {
			continue
		}
		seenTags[id] = true
		tagRows = append(tagRows, domain.BlogTag{BlogID: blogID, TagID: id})
	}
	if err := m.Taxonomy.ReplaceBlogTags(ctx, blogID, tagRows); err != nil {
		return fmt.Errorf("op=match.apply: %w", err)
	}

	slog.Info("taxonomy applied",
		slog.String("blog_id", blogID),
		slog.Int("categories", len(catRows)),
		slog.Int("tags", len(tagRows)))
	return nil
}
