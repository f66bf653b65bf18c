package match

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

type fakeTaxonomy struct {
	cats    []domain.Category
	tags    []domain.Tag
	loadErr error

	gotCategories []domain.BlogCategory
	gotTags       []domain.BlogTag
}

func (f *fakeTaxonomy) Categories(context.Context) ([]domain.Category, error) {
	return f.cats, f.loadErr
}

func (f *fakeTaxonomy) ActiveTags(context.Context) ([]domain.Tag, error) {
	return f.tags, f.loadErr
}

func (f *fakeTaxonomy) ReplaceBlogCategories(_ context.Context, _ string, rows []domain.BlogCategory) error {
	f.gotCategories = rows
	return nil
}

func (f *fakeTaxonomy) ReplaceBlogTags(_ context.Context, _ string, rows []domain.BlogTag) error {
	f.gotTags = rows
	return nil
}

func strptr(s string) *string { return &s }

func testCategories() []domain.Category {
	return []domain.Category{
		{ID: "c-beauty", Code: "beauty", Name: "Красота"},
		{ID: "c-travel", Code: "travel", Name: "Путешествия"},
		{ID: "c-makeup", ParentID: strptr("c-beauty"), Name: "Макияж"},
	}
}

func TestCategoryIndex(t *testing.T) {
	idx := CategoryIndex(testCategories())
	assert.Equal(t, "c-beauty", idx["beauty"])
	assert.Equal(t, "c-beauty", idx["красота"])
	assert.Equal(t, "c-makeup", idx["макияж"])
	// Children never index by code.
	_, hasChildCode := idx["c-makeup"]
	assert.False(t, hasChildCode)
}

func TestTagIndex(t *testing.T) {
	idx := TagIndex([]domain.Tag{{ID: "t1", Name: "Мама"}, {ID: "t2", Name: "ЗОЖ"}})
	assert.Equal(t, "t1", idx["мама"])
	assert.Equal(t, "t2", idx["зож"])
}

func TestApply(t *testing.T) {
	newInsights := func(primary, secondary, tags []string) domain.AIInsights {
		var ins domain.AIInsights
		ins.Content.PrimaryCategories = primary
		ins.Content.SecondaryTopics = secondary
		ins.Tags = tags
		return ins
	}

	t.Run("first primary marked, duplicates collapse", func(t *testing.T) {
		repo := &fakeTaxonomy{cats: testCategories(), tags: []domain.Tag{{ID: "t1", Name: "мама"}}}
		m := New(repo)
		ins := newInsights([]string{"beauty", "Красота", "travel"}, []string{"Макияж"}, []string{"мама", "Мама"})
		require.NoError(t, m.Apply(context.Background(), "blog-1", ins))

		require.Len(t, repo.gotCategories, 3)
		assert.Equal(t, "c-beauty", repo.gotCategories[0].CategoryID)
		assert.True(t, repo.gotCategories[0].IsPrimary)
		assert.Equal(t, "c-travel", repo.gotCategories[1].CategoryID)
		assert.False(t, repo.gotCategories[1].IsPrimary)
		assert.Equal(t, "c-makeup", repo.gotCategories[2].CategoryID)
		assert.False(t, repo.gotCategories[2].IsPrimary)

		require.Len(t, repo.gotTags, 1)
		assert.Equal(t, "t1", repo.gotTags[0].TagID)
	})

	t.Run("fuzzy variant resolves", func(t *testing.T) {
		repo := &fakeTaxonomy{cats: []domain.Category{{ID: "c1", Code: "beauty makeup", Name: "Beauty Makeup"}}}
		m := New(repo)
		ins := newInsights([]string{"beauty & makeup"}, nil, nil)
		require.NoError(t, m.Apply(context.Background(), "blog-1", ins))
		require.Len(t, repo.gotCategories, 1)
		assert.Equal(t, "c1", repo.gotCategories[0].CategoryID)
		assert.True(t, repo.gotCategories[0].IsPrimary)
	})

	t.Run("unresolved strings are skipped", func(t *testing.T) {
		repo := &fakeTaxonomy{cats: testCategories()}
		m := New(repo)
		ins := newInsights([]string{"квантовая физика"}, nil, []string{"неизвестный тег"})
		require.NoError(t, m.Apply(context.Background(), "blog-1", ins))
		assert.Empty(t, repo.gotCategories)
		assert.Empty(t, repo.gotTags)
	})

	t.Run("taxonomy load failure surfaces", func(t *testing.T) {
		repo := &fakeTaxonomy{loadErr: errors.New("db down")}
		m := New(repo)
		err := m.Apply(context.Background(), "blog-1", domain.AIInsights{})
		require.Error(t, err)
	})
}
